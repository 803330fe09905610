package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robalyx/fitroom/internal/setup"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/robalyx/fitroom/pkg/utils"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func photoCommands() *cli.Command {
	userFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "user", Usage: "User ID", Required: true}
	}

	return &cli.Command{
		Name:  "photos",
		Usage: "Manage user photos",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a photo, make it the primary photo and enhance it",
				Flags: append([]cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "url", Usage: "Photo URL or data URL", Required: true},
				}, enhanceFlags()...),
				Action: withApp(handleAddPhoto),
			},
			{
				Name:  "primary",
				Usage: "Make a photo the user's primary photo",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "photo", Usage: "Photo ID", Required: true},
				},
				Action: withApp(handleSetPrimary),
			},
			{
				Name:   "repair",
				Usage:  "Ensure the user has exactly one primary photo",
				Flags:  []cli.Flag{userFlag()},
				Action: withApp(handleRepairPrimary),
			},
			{
				Name:   "dedupe",
				Usage:  "Remove duplicate photos, keeping the newest copy",
				Flags:  []cli.Flag{userFlag()},
				Action: withApp(handleDedupe),
			},
			{
				Name:  "backfill",
				Usage: "Enhance every photo that has no enhanced version yet",
				Flags: append(enhanceFlags(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of photos to process",
						Value: 100,
					},
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Concurrent enhancements (0 = configured default)",
					},
				),
				Action: withApp(handleBackfill),
			},
		},
	}
}

func cacheCommands() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Maintain the try-on cache",
		Commands: []*cli.Command{
			{
				Name:  "sweep",
				Usage: "Delete expired cache entries",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Only delete entries that expired at least this long ago",
						Value: 0,
					},
				},
				Action: withApp(handleSweep),
			},
		},
	}
}

func handleAddPhoto(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, err := parseUUID(c.String("user"))
	if err != nil {
		return err
	}

	photo, err := app.TryOn.AddPhoto(ctx, userID, c.String("url"), enhanceOptions(c, &app.Config.TryOn.Enhance))
	if err != nil {
		return err
	}

	if photo.EnhancedURL == "" {
		app.Logger.Warn("Photo stored without enhancement; run 'fitroom photos backfill' to retry",
			zap.String("photoID", photo.ID.String()))
	}

	return printJSON(photo)
}

func handleSetPrimary(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, err := parseUUID(c.String("user"))
	if err != nil {
		return err
	}

	photoID, err := parseUUID(c.String("photo"))
	if err != nil {
		return err
	}

	if err := app.DB.Service().Photo().SetPrimary(ctx, userID, photoID); err != nil {
		return err
	}

	app.Logger.Info("Primary photo updated",
		zap.String("userID", userID.String()),
		zap.String("photoID", photoID.String()))

	return nil
}

func handleRepairPrimary(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, err := parseUUID(c.String("user"))
	if err != nil {
		return err
	}

	repaired, err := app.DB.Service().Photo().RepairPrimary(ctx, userID)
	if err != nil {
		return err
	}

	app.Logger.Info("Checked primary photo",
		zap.String("userID", userID.String()),
		zap.Bool("repaired", repaired))

	return nil
}

func handleDedupe(ctx context.Context, c *cli.Command, app *setup.App) error {
	userID, err := parseUUID(c.String("user"))
	if err != nil {
		return err
	}

	deleted, err := app.DB.Service().Photo().RemoveDuplicates(ctx, userID)
	if err != nil {
		return err
	}

	app.Logger.Info("Removed duplicate photos",
		zap.String("userID", userID.String()),
		zap.Int64("deleted", deleted))

	return nil
}

// handleBackfill enhances pending photos with a bounded worker pool. A failed
// photo is logged and left pending for the next run.
func handleBackfill(ctx context.Context, c *cli.Command, app *setup.App) error {
	photos, err := app.DB.Service().Photo().PendingEnhancement(ctx, int(c.Int("limit")))
	if err != nil {
		return err
	}

	if len(photos) == 0 {
		app.Logger.Info("No photos pending enhancement")
		return nil
	}

	workers := int(c.Int("workers"))
	if workers <= 0 {
		workers = app.Config.TryOn.Photos.BackfillWorkers
	}

	opts := enhanceOptions(c, &app.Config.TryOn.Enhance)
	start := time.Now()

	var enhanced, failed atomic.Int64

	p := pool.New().WithMaxGoroutines(workers)
	for _, photo := range photos {
		if utils.ContextGuard(ctx) {
			break
		}

		p.Go(func() {
			ref := tryon.PhotoRef{ID: photo.ID}
			if _, err := app.TryOn.EnhancePhoto(ctx, photo.UserID, ref, opts); err != nil {
				failed.Add(1)
				app.Logger.Warn("Failed to enhance photo",
					zap.String("photoID", photo.ID.String()),
					zap.String("reason", describeError(err)))
				return
			}
			enhanced.Add(1)
		})
	}
	p.Wait()

	app.Logger.Info("Backfill complete",
		zap.Int("pending", len(photos)),
		zap.Int64("enhanced", enhanced.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("duration", time.Since(start)))

	return ctx.Err()
}

func handleSweep(ctx context.Context, c *cli.Command, app *setup.App) error {
	before := sweepCutoff(time.Now(), c.Duration("older-than"))

	deleted, err := app.Cache.Sweep(ctx, before)
	if err != nil {
		return err
	}

	app.Logger.Info("Swept try-on cache",
		zap.Time("expiredBefore", before),
		zap.Int64("deleted", deleted))

	return nil
}
