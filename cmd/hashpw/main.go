// Package main provides a CLI tool that turns an administrator password into
// the digest clients send and the server stores in admin.password_hash.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/chatserver/internal/auth"
)

type options struct {
	password string
	bcrypt   bool
	cost     int
	yaml     bool
	username string
}

type adminSnippet struct {
	Admin struct {
		Username     string `yaml:"username"`
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"admin"`
}

func main() {
	var opts options
	flag.StringVar(&opts.password, "password", "", "password to hash; read from stdin when empty")
	flag.BoolVar(&opts.bcrypt, "bcrypt", false, "wrap the digest in a bcrypt hash")
	flag.IntVar(&opts.cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.BoolVar(&opts.yaml, "yaml", false, "print an admin configuration snippet")
	flag.StringVar(&opts.username, "username", "administrator", "administrator username for -yaml")
	flag.Parse()

	if err := run(opts, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("hashpw: %v", err)
	}
}

// run hashes one password and writes the result to out.
func run(opts options, in io.Reader, out io.Writer) error {
	password := opts.password
	if password == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	value := auth.Digest(password)
	if opts.bcrypt {
		hashed, err := auth.HashDigest(value, opts.cost)
		if err != nil {
			return err
		}
		value = hashed
	}

	if !opts.yaml {
		_, err := fmt.Fprintln(out, value)
		return err
	}

	var snippet adminSnippet
	snippet.Admin.Username = opts.username
	snippet.Admin.PasswordHash = value
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(snippet); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}
