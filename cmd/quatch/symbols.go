package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/chazu/quatch/symdb"
)

// handleSymbolsCommand processes the `quatch symbols` subcommands.
// Usage:
//
//	quatch symbols import <db> <image> <file>
//	quatch symbols list <db>
//	quatch symbols export <db> <image>
func handleSymbolsCommand(args []string, verbose bool) error {
	if len(args) < 2 {
		return errors.New("usage: quatch symbols import|list|export <db> ...")
	}
	sub, dbPath, rest := args[0], args[1], args[2:]

	db, err := symdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	switch sub {
	case "import":
		if len(rest) != 2 {
			return errors.New("usage: quatch symbols import <db> <image> <file>")
		}
		n, crc, err := importSymbols(db, rest[0], rest[1])
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("Imported %d symbols for %s (crc %08x)\n", n, rest[0], crc)
		}
		return nil
	case "list":
		if len(rest) != 0 {
			return errors.New("usage: quatch symbols list <db>")
		}
		return listImages(os.Stdout, db)
	case "export":
		if len(rest) != 1 {
			return errors.New("usage: quatch symbols export <db> <image>")
		}
		_, crc, err := loadImage(rest[0])
		if err != nil {
			return err
		}
		syms, err := db.Lookup(crc)
		if err != nil {
			return err
		}
		return writeSymbols(os.Stdout, syms)
	default:
		return fmt.Errorf("unknown symbols command %q", sub)
	}
}

// importSymbols stores the symbols in file under the checksum of image.
func importSymbols(db *symdb.DB, image, file string) (int, uint32, error) {
	_, crc, err := loadImage(image)
	if err != nil {
		return 0, 0, err
	}
	syms, err := loadSymbolFile(file)
	if err != nil {
		return 0, 0, err
	}
	if err := db.Import(crc, filepath.Base(image), syms); err != nil {
		return 0, 0, err
	}
	return len(syms), crc, nil
}

func listImages(w io.Writer, db *symdb.DB) error {
	images, err := db.Images()
	if err != nil {
		return err
	}
	for _, img := range images {
		fmt.Fprintf(w, "%08x  %-20s %d symbols\n", img.CRC, img.Name, img.Symbols)
	}
	return nil
}

var bareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// writeSymbols prints syms as a TOML table with hex addresses, readable by
// loadSymbolFile and usable as a quatch.toml [symbols] section.
func writeSymbols(w io.Writer, syms map[string]uint32) error {
	names := make([]string, 0, len(syms))
	for name := range syms {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		key := name
		if !bareKey.MatchString(key) {
			key = strconv.Quote(key)
		}
		if _, err := fmt.Fprintf(w, "%s = %#x\n", key, syms[name]); err != nil {
			return err
		}
	}
	return nil
}
