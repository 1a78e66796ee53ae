package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/sdan/sandboxd/internal/config"
	"github.com/sdan/sandboxd/internal/controlauth"
)

// runAdmin implements `sandboxd admin set-token`: prompts for a new admin
// token on the controlling terminal (no echo, grounded on the teacher's
// config.RunFirstSetup term.ReadPassword usage) and bcrypt-hashes it into
// the config file.
func runAdmin(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.Parse(args)

	if fs.NArg() < 1 || fs.Arg(0) != "set-token" {
		fmt.Fprintln(os.Stderr, "usage: sandboxd admin set-token")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("config: %v", err)
	}

	fmt.Print("New admin token: ")
	tok1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		log.Fatalf("reading token: %v", err)
	}
	fmt.Print("Confirm admin token: ")
	tok2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		log.Fatalf("reading token: %v", err)
	}
	if string(tok1) != string(tok2) {
		log.Fatal("tokens do not match")
	}
	if len(tok1) == 0 {
		log.Fatal("token cannot be empty")
	}

	hash, err := controlauth.HashToken(string(tok1))
	if err != nil {
		log.Fatalf("hashing token: %v", err)
	}
	cfg.AdminTokenHash = hash

	if _, err := cfg.EnsureJWTSecret(); err != nil {
		log.Fatalf("jwt secret: %v", err)
	}

	if err := config.Save(cfg, *configPath); err != nil {
		log.Fatalf("saving config: %v", err)
	}
	fmt.Printf("Admin token updated in %s\n", *configPath)
}
