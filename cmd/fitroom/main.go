package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/database/models"
	"github.com/robalyx/fitroom/internal/database/service"
	"github.com/robalyx/fitroom/internal/enhance"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/setup"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// LogDir specifies where CLI log files are stored.
const LogDir = "logs/fitroom_logs"

var (
	ErrUserRequired   = errors.New("--user is required")
	ErrNoInputItems   = errors.New("input file contains no items")
	ErrInvalidUUIDArg = errors.New("invalid UUID")
)

// appAction receives an initialized application.
type appAction func(ctx context.Context, c *cli.Command, app *setup.App) error

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %s", describeError(err))
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "fitroom",
		Usage: "Virtual try-on generation and photo management",
		Commands: []*cli.Command{
			{
				Name:   "tryon",
				Usage:  "Render one product onto a user photo",
				Flags:  append(photoFlags(), productFlags()...),
				Action: withApp(handleTryOn),
			},
			{
				Name:  "batch",
				Usage: "Render several products onto a user photo",
				Description: `Products are read from a JSON array:

  [{"id": "sku-1", "name": "Linen Shirt", "category": "tops", "imageUrl": "https://..."}]

Products without an id are keyed by their image reference.`,
				Flags: append(photoFlags(), &cli.StringFlag{
					Name:     "products",
					Usage:    "Path to a JSON file with the products",
					Required: true,
				}),
				Action: withApp(handleBatch),
			},
			{
				Name:  "outfit",
				Usage: "Layer several garments onto a user photo in order",
				Flags: append(photoFlags(), &cli.StringFlag{
					Name:     "items",
					Usage:    "Path to a JSON file with the outfit items",
					Required: true,
				}),
				Action: withApp(handleOutfit),
			},
			{
				Name:   "enhance",
				Usage:  "Enhance a user photo for try-on",
				Flags:  append(photoFlags(), enhanceFlags()...),
				Action: withApp(handleEnhance),
			},
			photoCommands(),
			cacheCommands(),
		},
	}

	return app.Run(context.Background(), os.Args)
}

// withApp initializes the application around an action and cleans it up afterwards.
func withApp(action appAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		app, err := setup.InitializeApp(ctx, "fitroom", LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer app.Cleanup(context.Background())

		return action(ctx, c, app)
	}
}

func photoFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "user",
			Usage: "User ID owning the photo",
		},
		&cli.StringFlag{
			Name:  "photo",
			Usage: "Photo ID (defaults to the user's primary photo)",
		},
		&cli.StringFlag{
			Name:  "photo-url",
			Usage: "Use this image instead of a stored photo (requires --photo)",
		},
	}
}

func productFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "product-id", Usage: "Catalog product ID"},
		&cli.StringFlag{Name: "name", Usage: "Product name"},
		&cli.StringFlag{Name: "description", Usage: "Product description"},
		&cli.StringFlag{Name: "category", Usage: "Product category"},
		&cli.StringFlag{Name: "image", Usage: "Product image URL or data URL", Required: true},
	}
}

func enhanceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "skip-background", Usage: "Keep the original background"},
		&cli.BoolFlag{Name: "skip-lighting", Usage: "Skip lighting correction"},
		&cli.BoolFlag{Name: "skip-upscale", Usage: "Skip upscaling small photos"},
		&cli.BoolFlag{Name: "skip-extend", Usage: "Skip outpainting cropped photos"},
		&cli.IntFlag{Name: "min-resolution", Usage: "Minimum shorter side in pixels (0 = configured default)"},
	}
}

func handleTryOn(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, ref, err := photoArgs(c)
	if err != nil {
		return err
	}

	result, err := app.TryOn.RequestTryOn(ctx, userID, ref, tryon.Product{
		ID:          c.String("product-id"),
		Name:        c.String("name"),
		Description: c.String("description"),
		Category:    c.String("category"),
		ImageURL:    c.String("image"),
	})
	if err != nil {
		return err
	}

	app.Logger.Info("Try-on complete", zap.Bool("cached", result.Cached))

	return printJSON(result)
}

func handleBatch(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, ref, err := photoArgs(c)
	if err != nil {
		return err
	}

	products, err := readItems[tryon.Product](c.String("products"))
	if err != nil {
		return err
	}

	result, err := app.TryOn.RequestBatchTryOn(ctx, userID, ref, products)
	if err != nil {
		return err
	}

	app.Logger.Info("Batch try-on complete",
		zap.Int("requested", len(products)),
		zap.Int("succeeded", len(result.Results)),
		zap.Int("failed", len(result.Failed)))

	return printJSON(result)
}

func handleOutfit(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, ref, err := photoArgs(c)
	if err != nil {
		return err
	}

	items, err := readItems[tryon.OutfitItem](c.String("items"))
	if err != nil {
		return err
	}

	result, err := app.TryOn.RequestOutfit(ctx, userID, ref, items)
	if err != nil {
		return err
	}

	if len(result.Skipped) > 0 {
		app.Logger.Warn("Some garments could not be applied", zap.Strings("skipped", result.Skipped))
	}

	return printJSON(result)
}

func handleEnhance(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, ref, err := photoArgs(c)
	if err != nil {
		return err
	}

	result, err := app.TryOn.EnhancePhoto(ctx, userID, ref, enhanceOptions(c, &app.Config.TryOn.Enhance))
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		app.Logger.Warn("Enhancement stage failed", zap.String("stage", warning))
	}

	return printJSON(result)
}

// photoArgs reads the user and photo reference flags.
func photoArgs(c *cli.Command) (uuid.UUID, tryon.PhotoRef, error) {
	userID, err := parseUUID(c.String("user"))
	if err != nil {
		return uuid.Nil, tryon.PhotoRef{}, err
	}
	if userID == uuid.Nil {
		return uuid.Nil, tryon.PhotoRef{}, ErrUserRequired
	}

	photoID, err := parseUUID(c.String("photo"))
	if err != nil {
		return uuid.Nil, tryon.PhotoRef{}, err
	}

	return userID, tryon.PhotoRef{ID: photoID, URL: c.String("photo-url")}, nil
}

// parseUUID returns uuid.Nil for an empty value.
func parseUUID(value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w %q: %w", ErrInvalidUUIDArg, value, err)
	}

	return id, nil
}

// enhanceOptions turns the skip flags into pipeline options.
func enhanceOptions(c *cli.Command, cfg *config.Enhance) enhance.Options {
	opts := enhance.DefaultOptions()
	opts.RemoveBackground = !c.Bool("skip-background")
	opts.CorrectLighting = !c.Bool("skip-lighting")
	opts.UpscaleIfNeeded = !c.Bool("skip-upscale")
	opts.ExtendIfCropped = !c.Bool("skip-extend")

	if cfg.MinResolution > 0 {
		opts.MinResolution = cfg.MinResolution
	}
	if minResolution := int(c.Int("min-resolution")); minResolution > 0 {
		opts.MinResolution = minResolution
	}

	return opts
}

// readItems loads a JSON array of items from path.
func readItems[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var items []T
	if err := sonic.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputItems, path)
	}

	return items, nil
}

func printJSON(v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

// describeError turns pipeline failures into messages for the terminal.
func describeError(err error) string {
	var (
		cfgErr *ai.ConfigurationError
		genErr *ai.GenerationError
		imgErr *imagecodec.InvalidImageError
	)

	switch {
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("%s is unavailable. Set gemini.api_key in common.toml and try again.", cfgErr.Capability)
	case errors.As(err, &genErr):
		return fmt.Sprintf(
			"The try-on image could not be generated after %d attempts. Try another photo or product image.",
			genErr.Attempts,
		)
	case errors.As(err, &imgErr):
		return fmt.Sprintf("The image %q cannot be used: %s.", imgErr.Reference, imgErr.Reason)
	case errors.Is(err, models.ErrPhotoNotFound):
		return "No photo was found for this user. Add one with 'fitroom photos add'."
	case errors.Is(err, service.ErrPhotoLimitReached):
		return "This user already has the maximum number of photos. Remove one before adding another."
	case errors.Is(err, service.ErrDuplicatePhoto):
		return "This photo is already stored for the user."
	case errors.Is(err, tryon.ErrPhotoIDRequired):
		return "--photo-url needs a --photo ID so results can be cached."
	default:
		return err.Error()
	}
}

// sweepCutoff returns the expiry threshold for a sweep with the given grace period.
func sweepCutoff(now time.Time, olderThan time.Duration) time.Time {
	return now.Add(-olderThan)
}
