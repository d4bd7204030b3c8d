package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/pdok/tilemask/fetch"
	"github.com/pdok/tilemask/geomhelp"
	"github.com/pdok/tilemask/mapslicehelp"
	"github.com/pdok/tilemask/pipeline"
	"github.com/pdok/tilemask/tilegrid"

	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"
)

const SOURCE string = `source`
const TARGET string = `target`
const BBOX string = `bbox`
const ZOOM string = `zoom`
const TARGETSRS string = `targetSrs`
const XRES string = `xres`
const YRES string = `yres`
const RESAMPLING string = `resampling`
const TILESIZE string = `tileSize`
const SCHEME string = `scheme`
const FORMAT string = `format`
const MBTILES string = `mbtiles`
const KEEPWARPED string = `keepWarped`
const TIMESTAMPED string = `timestamped`
const WORKERS string = `workers`
const OVERWRITE string = `overwrite`
const URL string = `url`
const LAYOUT string = `layout`
const ATTEMPTS string = `attempts`
const TIMEOUT string = `timeout`
const FAILED string = `failed`

func main() {
	app := cli.NewApp()
	app.Name = "tilemask"
	app.Usage = "A Golang raster mask tiling application"
	app.Version = versioninfo.Short()

	app.Commands = []*cli.Command{
		tileCommand(),
		resolveCommand(),
		fetchCommand(),
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

//nolint:funlen
func tileCommand() *cli.Command {
	return &cli.Command{
		Name:  "tile",
		Usage: "Cut a raster mask into a tile pyramid",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     SOURCE,
				Aliases:  []string{"s"},
				Usage:    "Source GeoTIFF mask",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(SOURCE)},
			},
			&cli.StringFlag{
				Name:     TARGET,
				Aliases:  []string{"t"},
				Usage:    "Target directory. Tiles are written as <target>/z/col/row.<format>",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(TARGET)},
			},
			&cli.StringFlag{
				Name:     BBOX,
				Aliases:  []string{"b"},
				Usage:    "Area of interest in lon/lat: west,south,east,north. E.g.: -80.8751,37.5464,-80.4477,37.7997",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(BBOX)},
			},
			&cli.StringFlag{
				Name:     ZOOM,
				Aliases:  []string{"z"},
				Usage:    "Zoom level or range. E.g.: 17 or 14-17",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(ZOOM)},
			},
			&cli.StringFlag{
				Name:    TARGETSRS,
				Usage:   "Reference system to warp to. E.g.: EPSG:3857",
				Value:   "EPSG:3857",
				EnvVars: []string{strcase.ToScreamingSnake(TARGETSRS)},
			},
			&cli.Float64Flag{
				Name:    XRES,
				Usage:   "Output resolution in target units per pixel. 0 derives it from the scheme cell size at the deepest zoom",
				EnvVars: []string{strcase.ToScreamingSnake(XRES)},
			},
			&cli.Float64Flag{
				Name:    YRES,
				Usage:   "Vertical output resolution, same convention as xres",
				EnvVars: []string{strcase.ToScreamingSnake(YRES)},
			},
			&cli.StringFlag{
				Name:    RESAMPLING,
				Aliases: []string{"r"},
				Usage:   "Resampling method: nearest, bilinear or cubic",
				Value:   "nearest",
				EnvVars: []string{strcase.ToScreamingSnake(RESAMPLING)},
			},
			&cli.IntFlag{
				Name:    TILESIZE,
				Usage:   "Tile edge length in pixels, a power of two",
				Value:   256,
				EnvVars: []string{strcase.ToScreamingSnake(TILESIZE)},
			},
			&cli.StringFlag{
				Name:    SCHEME,
				Usage:   fmt.Sprintf("ID of a built-in tiling scheme: %s", strings.Join(tilegrid.SchemeIDs(), ", ")),
				Value:   "WebMercatorQuad",
				EnvVars: []string{strcase.ToScreamingSnake(SCHEME)},
			},
			&cli.StringFlag{
				Name:    FORMAT,
				Aliases: []string{"f"},
				Usage:   "Tile format: png, or tif for georeferenced tiles",
				Value:   "png",
				EnvVars: []string{strcase.ToScreamingSnake(FORMAT)},
			},
			&cli.StringFlag{
				Name:    MBTILES,
				Usage:   "Also write the pyramid into an MBTiles archive at this path (png only)",
				EnvVars: []string{strcase.ToScreamingSnake(MBTILES)},
			},
			&cli.BoolFlag{
				Name:    KEEPWARPED,
				Usage:   "Keep the warped raster as warped.tif in the target directory, for faster reruns",
				EnvVars: []string{strcase.ToScreamingSnake(KEEPWARPED)},
			},
			&cli.BoolFlag{
				Name:    TIMESTAMPED,
				Usage:   "Write into a bbox_<west>_<south>_<east>_<north>_<unix> subdirectory of the target",
				EnvVars: []string{strcase.ToScreamingSnake(TIMESTAMPED)},
			},
			&cli.IntFlag{
				Name:    WORKERS,
				Aliases: []string{"w"},
				Usage:   "Number of tile workers",
				Value:   4,
				EnvVars: []string{strcase.ToScreamingSnake(WORKERS)},
			},
			&cli.BoolFlag{
				Name:    OVERWRITE,
				Aliases: []string{"o"},
				Usage:   "Overwrite existing tiles instead of skipping them",
				EnvVars: []string{strcase.ToScreamingSnake(OVERWRITE)},
			},
		},
		Action: func(c *cli.Context) error {
			bbox, err := pipeline.ParseBBox(c.String(BBOX))
			if err != nil {
				return err
			}
			zoomMin, zoomMax, err := pipeline.ParseZoomRange(c.String(ZOOM))
			if err != nil {
				return err
			}
			cfg := pipeline.Config{
				SourcePath:  c.String(SOURCE),
				TargetDir:   c.String(TARGET),
				BBox:        bbox,
				ZoomMin:     zoomMin,
				ZoomMax:     zoomMax,
				TargetSRS:   c.String(TARGETSRS),
				XRes:        c.Float64(XRES),
				YRes:        c.Float64(YRES),
				Resampling:  c.String(RESAMPLING),
				TileSize:    c.Int(TILESIZE),
				SchemeID:    c.String(SCHEME),
				Format:      c.String(FORMAT),
				MBTiles:     c.String(MBTILES),
				KeepWarped:  c.Bool(KEEPWARPED),
				Timestamped: c.Bool(TIMESTAMPED),
				Workers:     c.Int(WORKERS),
				Overwrite:   c.Bool(OVERWRITE),
			}

			log.Println("=== start tiling ===")
			report, err := pipeline.Run(cfg)
			if err != nil {
				return err
			}
			for pair := report.Levels.Oldest(); pair != nil; pair = pair.Next() {
				log.Printf("  zoom %d: %d tiles", pair.Key, pair.Value.Written)
			}
			zooms := mapslicehelp.OrderedMapKeys(report.Levels)
			if shallowest := mapslicehelp.LastElement(zooms); shallowest != nil {
				log.Printf("  pyramid: zoom %d down to %d, %d tiles, %d bytes",
					report.Range.Zoom, *shallowest, report.Tiles, report.Bytes)
			}
			log.Println("=== done tiling ===")
			return nil
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve the tile range for a bbox without writing anything",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     BBOX,
				Aliases:  []string{"b"},
				Usage:    "Area of interest in lon/lat: west,south,east,north",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(BBOX)},
			},
			&cli.IntFlag{
				Name:     ZOOM,
				Aliases:  []string{"z"},
				Usage:    "Zoom level",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(ZOOM)},
			},
			&cli.StringFlag{
				Name:    SCHEME,
				Usage:   fmt.Sprintf("ID of a built-in tiling scheme: %s", strings.Join(tilegrid.SchemeIDs(), ", ")),
				Value:   "WebMercatorQuad",
				EnvVars: []string{strcase.ToScreamingSnake(SCHEME)},
			},
		},
		Action: func(c *cli.Context) error {
			scheme, err := tilegrid.LoadScheme(c.String(SCHEME))
			if err != nil {
				return err
			}
			bbox, err := pipeline.ParseBBox(c.String(BBOX))
			if err != nil {
				return err
			}
			rng, err := scheme.Resolve(bbox, c.Int(ZOOM))
			if err != nil {
				return err
			}
			native := scheme.RangeExtent(rng)
			log.Printf("bbox: %s", geomhelp.WktExtent(bbox, 0))
			log.Printf("tile range at zoom %d: columns %d-%d, rows %d-%d, %d tiles",
				rng.Zoom, rng.MinCol, rng.MaxCol, rng.MinRow, rng.MaxRow, rng.Count())
			log.Printf("native extent: %s", geomhelp.WktExtent(native, 0))
			log.Printf("cell size: %g", scheme.CellSize(rng.Zoom))
			return nil
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download the imagery tiles for a bbox from an XYZ tile service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     URL,
				Aliases:  []string{"u"},
				Usage:    "Tile URL template with {z}, {x} and {y} or {-y} placeholders",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(URL)},
			},
			&cli.StringFlag{
				Name:     TARGET,
				Aliases:  []string{"t"},
				Usage:    "Target directory",
				Required: true,
				EnvVars:  []string{strcase.ToScreamingSnake(TARGET)},
			},
			&cli.StringFlag{
				Name:    BBOX,
				Aliases: []string{"b"},
				Usage:   "Area of interest in lon/lat: west,south,east,north",
				EnvVars: []string{strcase.ToScreamingSnake(BBOX)},
			},
			&cli.IntFlag{
				Name:    ZOOM,
				Aliases: []string{"z"},
				Usage:   "Zoom level",
				Value:   17,
				EnvVars: []string{strcase.ToScreamingSnake(ZOOM)},
			},
			&cli.StringFlag{
				Name:    SCHEME,
				Usage:   fmt.Sprintf("ID of a built-in tiling scheme: %s", strings.Join(tilegrid.SchemeIDs(), ", ")),
				Value:   "WebMercatorQuad",
				EnvVars: []string{strcase.ToScreamingSnake(SCHEME)},
			},
			&cli.StringFlag{
				Name:    LAYOUT,
				Usage:   "File layout: flat (z_col_row.png) or nested (z/col/row.png)",
				Value:   "flat",
				EnvVars: []string{strcase.ToScreamingSnake(LAYOUT)},
			},
			&cli.IntFlag{
				Name:    WORKERS,
				Aliases: []string{"w"},
				Usage:   "Number of download workers",
				Value:   16,
				EnvVars: []string{strcase.ToScreamingSnake(WORKERS)},
			},
			&cli.IntFlag{
				Name:    ATTEMPTS,
				Usage:   "Tries per tile before it is logged as failed",
				Value:   3,
				EnvVars: []string{strcase.ToScreamingSnake(ATTEMPTS)},
			},
			&cli.DurationFlag{
				Name:    TIMEOUT,
				Usage:   "Timeout per request",
				Value:   10 * time.Second,
				EnvVars: []string{strcase.ToScreamingSnake(TIMEOUT)},
			},
			&cli.StringFlag{
				Name:    FAILED,
				Usage:   "Re-fetch exactly the tiles in this failed_tiles.txt instead of resolving the bbox",
				EnvVars: []string{strcase.ToScreamingSnake(FAILED)},
			},
		},
		Action: func(c *cli.Context) error {
			if c.String(BBOX) == "" && c.String(FAILED) == "" {
				return fmt.Errorf("either --%s or --%s is required", BBOX, FAILED)
			}
			cfg := fetch.Config{
				URL:        c.String(URL),
				OutDir:     c.String(TARGET),
				Zoom:       c.Int(ZOOM),
				SchemeID:   c.String(SCHEME),
				Layout:     c.String(LAYOUT),
				Workers:    c.Int(WORKERS),
				Attempts:   c.Int(ATTEMPTS),
				Timeout:    c.Duration(TIMEOUT),
				FailedList: c.String(FAILED),
			}
			if b := c.String(BBOX); b != "" {
				bbox, err := pipeline.ParseBBox(b)
				if err != nil {
					return err
				}
				cfg.BBox = bbox
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupt)
			go func() {
				<-interrupt
				cancel()
			}()

			log.Println("=== start fetching ===")
			report, err := fetch.Fetch(ctx, cfg)
			if err != nil {
				return err
			}
			if report.FailedList != "" {
				log.Printf("  retry later with --%s %s", FAILED, report.FailedList)
			}
			log.Println("=== done fetching ===")
			return nil
		},
	}
}
