package vaultd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"nhbvault/cmd/internal/passphrase"
	"nhbvault/config"
	"nhbvault/crypto"
	"nhbvault/gateway/middleware"
)

const (
	defaultConfigPath = "./vault.toml"
	defaultPassEnv    = "NHB_VAULT_KEYSTORE_PASS"
)

// Main parses the command line and dispatches. Without a subcommand the
// daemon starts; "token" mints an operator bearer token against the
// configured gateway secret, and "keygen"/"address" manage the encrypted
// operator keystores referenced from the custody admin list.
func Main() error {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return runToken(args[1:])
		case "keygen":
			return runKeygen(args[1:])
		case "address":
			return runAddress(args[1:])
		case "run":
			args = args[1:]
		}
	}
	return runDaemon(args)
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("vaultd", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "path to the vault configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return svc.Run(ctx)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("vaultd token", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "path to the vault configuration file")
	subject := fs.String("subject", "", "bech32 vault address the token acts for")
	scopes := fs.String("scopes", middleware.ScopeRead, "space separated scopes to grant")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(*subject))
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	granted := strings.Fields(*scopes)
	if len(granted) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss":   cfg.Gateway.Issuer,
		"aud":   cfg.Gateway.Audience,
		"sub":   addr.String(),
		"iat":   now.Unix(),
		"exp":   now.Add(*ttl).Unix(),
		"scope": strings.Join(granted, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Gateway.AuthSecret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(signed)
	return nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("vaultd keygen", flag.ExitOnError)
	out := fs.String("out", "vault-operator.keystore", "output path for the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("keystore %s already exists (use --force to overwrite)", *out)
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet("vaultd address", flag.ExitOnError)
	path := fs.String("keystore", "vault-operator.keystore", "path to the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*path, pass)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}
