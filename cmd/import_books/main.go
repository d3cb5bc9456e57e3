package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"library-catalog/config"
	"library-catalog/library"
)

func main() {
	if err := newImportCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		fresh      bool
	)
	cmd := &cobra.Command{
		Use:          "import_books <catalog.csv>",
		Short:        "Import books from a CSV catalog (title,author,isbn,publisher,category,year,copies)",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			out := cmd.OutOrStdout()

			if fresh {
				fmt.Fprintln(out, "Cleaning up existing database files...")
				for _, file := range []string{cfg.DatabasePath, cfg.DatabasePath + "-shm", cfg.DatabasePath + "-wal"} {
					if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
						fmt.Fprintf(out, "Warning: Could not remove %s: %v\n", file, err)
					}
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer f.Close()

			manager, err := library.NewLibraryManager(cfg, nil, nil)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer manager.Close()

			fmt.Fprintf(out, "Importing books from %s...\n", args[0])
			ok, failed, err := importCatalog(cmd.Context(), f, manager.Books, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nImport complete!\n")
			fmt.Fprintf(out, "Successfully imported: %d books\n", ok)
			fmt.Fprintf(out, "Errors: %d\n", failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "library.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "database file (overrides the config file)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "delete the existing database before importing")
	return cmd
}

// importCatalog creates one book per CSV record and reports each row on out.
// A header row starting with "title" is skipped. Row errors are counted, not fatal.
func importCatalog(ctx context.Context, r io.Reader, books *library.BookRepo, out io.Writer) (ok, failed int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return ok, failed, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				fmt.Fprintf(out, "line %d: ERROR - %v\n", line, err)
				failed++
				continue
			}
			return ok, failed, fmt.Errorf("read catalog: %w", err)
		}
		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "title") {
			continue
		}

		b, err := parseRecord(rec)
		if err != nil {
			fmt.Fprintf(out, "line %d: ERROR - %v\n", line, err)
			failed++
			continue
		}
		id, err := books.Create(ctx, b)
		if err != nil {
			fmt.Fprintf(out, "line %d: %s by %s... ERROR - %v\n", line, b.Title, b.Author, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "line %d: %s by %s... SUCCESS (ID: %d)\n", line, b.Title, b.Author, id)
		ok++
	}
}

func parseRecord(rec []string) (*library.Book, error) {
	if len(rec) < 2 {
		return nil, fmt.Errorf("expected at least title and author, got %d field(s)", len(rec))
	}
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	b := &library.Book{
		Title:     field(0),
		Author:    field(1),
		ISBN:      field(2),
		Publisher: field(3),
		Category:  field(4),
	}
	if y := field(5); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", y)
		}
		b.PublicationYear = year
	}
	copies := 1
	if c := field(6); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return nil, fmt.Errorf("invalid copies %q", c)
		}
		copies = n
	}
	b.TotalCopies, b.AvailableCopies = copies, copies
	return b, nil
}
