package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.ServerConfig) error {
				c.AutoMigrate = false
				return nil
			})
			if err != nil {
				return err
			}

			ctx := cmdContext(cmd)
			db, err := cfg.BuildStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", cfg.DatabaseType)
			return nil
		},
	}
}

// NewSweepCommand creates the sweep command
func NewSweepCommand() *cobra.Command {
	var dryRun bool
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stored objects that no media row references",
		Long: `Delete stored objects under the media/ prefix that no committed media row
references. Objects younger than the grace period are skipped because their
upload may still be in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if grace == 0 {
				grace = cfg.SweepGrace
			}
			if grace <= cfg.PutTimeout {
				return fmt.Errorf("grace (%s) must exceed the put timeout (%s)", grace, cfg.PutTimeout)
			}

			sweeper := rt.Pipeline.Sweeper(grace)
			sweeper.DryRun = dryRun

			report, err := sweeper.Sweep(cmdContext(cmd))
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			verb := "Deleted"
			if dryRun {
				verb = "Would delete"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned: %d\n", report.Scanned)
			fmt.Fprintf(out, "Skipped (young): %d\n", report.Young)
			fmt.Fprintf(out, "Referenced: %d\n", report.Live)
			fmt.Fprintf(out, "%s: %d\n", verb, report.Deleted)
			if report.Stale > 0 {
				fmt.Fprintf(out, "Stale temp files removed: %d\n", report.Stale)
			}
			if report.Failed > 0 {
				fmt.Fprintf(out, "Failed: %d\n", report.Failed)
				return fmt.Errorf("%d objects could not be deleted", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum object age (default from SWEEP_GRACE)")

	return cmd
}

// ownerSeeder is implemented by both relational stores.
type ownerSeeder interface {
	CreateAccount(ctx context.Context, account *simplemedia.Account) error
	CreateComic(ctx context.Context, comic *simplemedia.Comic) error
	CreateChapter(ctx context.Context, chapter *simplemedia.Chapter) error
}

// NewSeedCommand creates the seed command group
func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create owner records for development",
	}
	cmd.AddCommand(newSeedAccountCommand(), newSeedComicCommand(), newSeedChapterCommand())
	return cmd
}

func withSeeder(cmd *cobra.Command, fn func(ctx context.Context, seeder ownerSeeder) error) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	seeder, ok := rt.DB.(ownerSeeder)
	if !ok {
		return errors.New("configured database does not support seeding")
	}
	return fn(cmdContext(cmd), seeder)
}

func newSeedAccountCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSeeder(cmd, func(ctx context.Context, seeder ownerSeeder) error {
				now := time.Now().UTC()
				account := &simplemedia.Account{ID: uuid.New(), Username: username, CreatedAt: now, UpdatedAt: now}
				if err := seeder.CreateAccount(ctx, account); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account ID: %s\n", account.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newSeedComicCommand() *cobra.Command {
	var accountID, title string
	cmd := &cobra.Command{
		Use:   "comic",
		Short: "Create a comic owned by an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(accountID)
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			return withSeeder(cmd, func(ctx context.Context, seeder ownerSeeder) error {
				comic := &simplemedia.Comic{ID: uuid.New(), AccountID: owner, Title: title, CreatedAt: time.Now().UTC()}
				if err := seeder.CreateComic(ctx, comic); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Comic ID: %s\n", comic.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "owning account id")
	cmd.Flags().StringVar(&title, "title", "", "comic title")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newSeedChapterCommand() *cobra.Command {
	var comicID, title string
	var number int64
	cmd := &cobra.Command{
		Use:   "chapter",
		Short: "Create a chapter of a comic",
		RunE: func(cmd *cobra.Command, args []string) error {
			comic, err := uuid.Parse(comicID)
			if err != nil {
				return fmt.Errorf("invalid comic id: %w", err)
			}
			return withSeeder(cmd, func(ctx context.Context, seeder ownerSeeder) error {
				chapter := &simplemedia.Chapter{ID: uuid.New(), ComicID: comic, Number: number, Title: title, CreatedAt: time.Now().UTC()}
				if err := seeder.CreateChapter(ctx, chapter); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Chapter ID: %s\n", chapter.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comicID, "comic", "", "comic id")
	cmd.Flags().Int64Var(&number, "number", 1, "chapter number")
	cmd.Flags().StringVar(&title, "title", "", "chapter title")
	_ = cmd.MarkFlagRequired("comic")
	return cmd
}

// NewUploadPageCommand creates the upload-page command
func NewUploadPageCommand() *cobra.Command {
	var chapterID string
	var number int64

	cmd := &cobra.Command{
		Use:   "upload-page <file>",
		Short: "Publish a local image as a chapter page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chapter, err := uuid.Parse(chapterID)
			if err != nil {
				return fmt.Errorf("invalid chapter id: %w", err)
			}

			filePath := args[0]
			mtype, err := mimetype.DetectFile(filePath)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", filePath, err)
			}

			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			parts, closeParts, err := fileParts(filePath, mtype.String(), map[string]string{
				"number": strconv.FormatInt(number, 10),
			})
			if err != nil {
				return err
			}
			defer closeParts()

			media, err := rt.Pipeline.Publish(cmdContext(cmd), parts, simplemedia.ChapterPageTarget(chapter))
			if err != nil {
				return fmt.Errorf("upload failed (%s): %w", simplemedia.KindOf(err), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Media ID: %s\n", media.ID)
			fmt.Fprintf(out, "Storage key: %s\n", media.StorageKey)
			fmt.Fprintf(out, "Content type: %s\n", media.ContentType)
			fmt.Fprintf(out, "Size: %d bytes\n", media.SizeBytes)
			return nil
		},
	}

	cmd.Flags().StringVar(&chapterID, "chapter", "", "chapter id")
	cmd.Flags().Int64Var(&number, "number", 1, "page number")
	_ = cmd.MarkFlagRequired("chapter")

	return cmd
}

// fileParts streams fields and one file as multipart parts without
// buffering the file in memory. The returned func stops the writer
// goroutine, waits for it to exit, and must be called once the reader is
// no longer used.
func fileParts(path, contentType string, fields map[string]string) (*multipart.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.Close()
		err := func() error {
			for k, v := range fields {
				if err := w.WriteField(k, v); err != nil {
					return err
				}
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, simplemedia.DefaultFileField, filepath.Base(path)))
			h.Set("Content-Type", contentType)
			part, err := w.CreatePart(h)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return w.Close()
		}()
		pw.CloseWithError(err)
	}()

	stop := func() {
		_ = pr.Close()
		<-done
	}
	return multipart.NewReader(pr, w.Boundary()), stop, nil
}

// NewDeleteCommand creates the delete command
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <media-id>",
		Short: "Delete a media row and its stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid media id: %w", err)
			}

			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Pipeline.DeleteMedia(cmdContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted media %s\n", id)
			return nil
		},
	}
}

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(subject); err != nil {
				return fmt.Errorf("subject must be an account id: %w", err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not configured")
			}

			auth := jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
			_, token, err := auth.Encode(map[string]interface{}{
				"sub": subject,
				"iat": time.Now().Unix(),
				"exp": time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "account id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}
