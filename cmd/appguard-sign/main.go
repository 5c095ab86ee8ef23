// appguard-sign produces detached HMAC-SHA256 signatures for configuration
// files and release artifacts. Config signatures cover the exact raw file
// bytes; artifact signatures cover the hex SHA-256 digest of the file. Both
// must match what the on-device verifier computes byte for byte.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
)

var (
	keyLiteral = flag.String("key", "", "signing key as a literal string")
	keyEnv     = flag.String("key-env", "", "environment variable holding the signing key")
	keyFile    = flag.String("key-file", "", "file holding the signing key")
	outPath    = flag.String("out", "", "write the signature to this file instead of stdout")
)

func main() {
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}

	key, err := loadKey()
	if err != nil {
		fatalf("%v", err)
	}

	target := flag.Arg(1)
	data, err := os.ReadFile(target)
	if err != nil {
		fatalf("read %s: %v", target, err)
	}

	var signature string
	switch mode := flag.Arg(0); mode {
	case "config":
		signature = hmacHex(key, data)
	case "artifact":
		digest := sha256.Sum256(data)
		signature = hmacHex(key, []byte(hex.EncodeToString(digest[:])))
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", mode)
		usage()
		os.Exit(2)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(signature+"\n"), 0644); err != nil {
			fatalf("write %s: %v", *outPath, err)
		}
		fmt.Printf("wrote signature for %s to %s\n", target, *outPath)
		return
	}
	fmt.Println(signature)
}

func usage() {
	fmt.Fprintln(os.Stderr, `appguard-sign - offline signing tool for appguard

Usage: appguard-sign [options] <config|artifact> <file>

Modes:
  config    HMAC-SHA256 over the exact raw bytes of the file
  artifact  HMAC-SHA256 over the hex SHA-256 digest of the file

Options:
  -key <string>    Signing key as a literal
  -key-env <name>  Read the key from an environment variable
  -key-file <path> Read the key from a file (trailing newline stripped)
  -out <path>      Write the signature to a file`)
}

func loadKey() ([]byte, error) {
	set := 0
	for _, s := range []string{*keyLiteral, *keyEnv, *keyFile} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of -key, -key-env, -key-file must be given")
	}

	switch {
	case *keyLiteral != "":
		return []byte(*keyLiteral), nil
	case *keyEnv != "":
		v, ok := os.LookupEnv(*keyEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", *keyEnv)
		}
		return []byte(v), nil
	default:
		data, err := os.ReadFile(*keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	}
}

func hmacHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
