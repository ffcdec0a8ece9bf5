package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/plaenen/eventdaemon/pkg/admin"
)

var errNoToken = errors.New("no token given; pass one or use -generate")

// hashTokenCommand prints the bcrypt hash to put under admin.tokens. With
// -generate a random token is created and printed first.
func hashTokenCommand(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("hash-token", stderr)
	generate := fs.Bool("generate", false, "generate a random token")
	cost := fs.Int("cost", admin.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var token string
	switch {
	case *generate:
		generated, err := admin.GenerateToken()
		if err != nil {
			return err
		}
		token = generated
		fmt.Fprintf(stdout, "token: %s\n", token)
	case fs.NArg() == 1:
		token = fs.Arg(0)
	default:
		return errNoToken
	}

	hash, err := admin.HashToken(token, admin.WithCost(*cost))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "hash:  %s\n", hash)
	return nil
}
