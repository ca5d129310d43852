package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-spatial/geom"
	"github.com/iancoleman/strcase"
	"github.com/muesli/reflow/truncate"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/pdok/tilepyramid/cache"
	"github.com/pdok/tilepyramid/config"
	"github.com/pdok/tilepyramid/processing"
	"github.com/pdok/tilepyramid/progressive"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/tms20"
)

const CONFIG string = `config`
const STORETYPE string = `storeType`
const STOREPATH string = `storePath`
const VERBOSE string = `verbose`
const PYRAMID string = `pyramid`
const TILEMATRIXSET string = `tilematrixset`
const TILEMATRICES string = `tilematrices`
const FORMAT string = `format`
const BBOX string = `bbox`
const MINSCALE string = `minScale`
const MAXSCALE string = `maxScale`
const SOURCE string = `source`
const SOURCEEXTENT string = `sourceExtent`
const CONCURRENCY string = `concurrency`
const MOSAIC string = `mosaic`
const COL string = `col`
const ROW string = `row`
const OUTPUT string = `output`
const TARGETTYPE string = `targetType`
const TARGETPATH string = `targetPath`

const idWidth = 24

func stringFlag(name, alias, usage string) *cli.StringFlag {
	f := &cli.StringFlag{
		Name:    name,
		Usage:   usage,
		EnvVars: []string{strcase.ToScreamingSnake(name)},
	}
	if alias != "" {
		f.Aliases = []string{alias}
	}
	return f
}

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "tilepyramid"
	app.Usage = "Create, generate and inspect multi-resolution tile pyramids"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		stringFlag(CONFIG, "c", "YAML configuration file"),
		stringFlag(STORETYPE, "", "Store type: memory, fs or sqlite (overrides the configuration)"),
		stringFlag(STOREPATH, "s", "Root directory of a fs store or file of a sqlite store (overrides the configuration)"),
		&cli.BoolFlag{
			Name:    VERBOSE,
			Aliases: []string{"v"},
			Usage:   "Log structural changes",
			EnvVars: []string{strcase.ToScreamingSnake(VERBOSE)},
		},
	}

	regionFlags := []cli.Flag{
		stringFlag(PYRAMID, "p", "ID of the pyramid, all pyramids when empty"),
		stringFlag(BBOX, "b", "Envelope as minx,miny,maxx,maxy in the CRS of the pyramid. The pyramid envelope when empty"),
		&cli.Float64Flag{
			Name:    MINSCALE,
			Usage:   "Smallest scale (CRS units per pixel) to include",
			Value:   0,
			EnvVars: []string{strcase.ToScreamingSnake(MINSCALE)},
		},
		&cli.Float64Flag{
			Name:    MAXSCALE,
			Usage:   "Largest scale (CRS units per pixel) to include",
			Value:   math.Inf(1),
			EnvVars: []string{strcase.ToScreamingSnake(MAXSCALE)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "create",
			Usage: "Create pyramids from the configuration, or one from a (built-in) tile matrix set",
			Flags: []cli.Flag{
				stringFlag(PYRAMID, "p", "ID of the pyramid to create"),
				stringFlag(TILEMATRIXSET, "tms", `ID of a (built-in) tile matrix set. One of: `+strings.Join(tms20.EmbeddedIDs(), ", ")),
				stringFlag(TILEMATRICES, "z", `IDs (usually the same as the zoom levels) of the tile matrices to include. JSON array of integers. E.g.: [4,5,6,7,8]`),
				stringFlag(FORMAT, "f", "Tile format: png, jpeg or webp"),
			},
			Action: create,
		},
		{
			Name:   "generate",
			Usage:  "Generate the missing tiles of a region from a georeferenced image",
			Flags:  append(regionFlags, generateFlags()...),
			Action: generate,
		},
		{
			Name:   "clear",
			Usage:  "Delete the tiles of a region",
			Flags:  regionFlags,
			Action: clearRegion,
		},
		{
			Name:   "info",
			Usage:  "Describe the pyramids in the store",
			Action: info,
		},
		{
			Name:  "tile",
			Usage: "Read a single tile, generating it when a source is configured",
			Flags: append(generateFlags(),
				stringFlag(PYRAMID, "p", "ID of the pyramid"),
				stringFlag(MOSAIC, "m", "ID of the mosaic"),
				&cli.Int64Flag{Name: COL, Usage: "Tile column", Required: true},
				&cli.Int64Flag{Name: ROW, Usage: "Tile row", Required: true},
				stringFlag(FORMAT, "f", "Output format, the stored format when empty"),
				stringFlag(OUTPUT, "o", "Output file, stdout when empty"),
			),
			Action: readTile,
		},
		{
			Name:  "copy",
			Usage: "Copy the tiles of a pyramid into another store",
			Flags: []cli.Flag{
				stringFlag(PYRAMID, "p", "ID of the pyramid to copy"),
				stringFlag(TILEMATRICES, "z", `IDs of the mosaics to copy. JSON array of strings. All when empty`),
				stringFlag(TARGETTYPE, "", "Target store type: fs or sqlite"),
				stringFlag(TARGETPATH, "t", "Target root directory or file"),
			},
			Action: copyPyramid,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

func generateFlags() []cli.Flag {
	return []cli.Flag{
		stringFlag(SOURCE, "", "Georeferenced source image (png or jpeg), overrides the configuration"),
		stringFlag(SOURCEEXTENT, "", "Envelope of the source image as minx,miny,maxx,maxy"),
		&cli.IntFlag{
			Name:    CONCURRENCY,
			Usage:   "Number of tiles generated in parallel, the number of CPUs when 0",
			EnvVars: []string{strcase.ToScreamingSnake(CONCURRENCY)},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(CONFIG); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if t := c.String(STORETYPE); t != "" {
		cfg.Store.Type = t
	}
	if p := c.String(STOREPATH); p != "" {
		cfg.Store.Path = p
	}
	cfg.Verbose = cfg.Verbose || c.Bool(VERBOSE)
	if c.IsSet(SOURCE) {
		cfg.Generate.Source = c.String(SOURCE)
	}
	if c.IsSet(SOURCEEXTENT) {
		extent, err := parseExtent(c.String(SOURCEEXTENT))
		if err != nil {
			return nil, err
		}
		cfg.Generate.SourceExtent = extent
	}
	if c.IsSet(CONCURRENCY) {
		cfg.Generate.Concurrency = c.Int(CONCURRENCY)
	}
	return cfg, cfg.Validate()
}

func parseExtent(s string) ([4]float64, error) {
	var extent [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return extent, fmt.Errorf("%w: expected minx,miny,maxx,maxy, got %q", pyramid.ErrConfiguration, s)
	}
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return extent, fmt.Errorf("%w: %q: %w", pyramid.ErrConfiguration, s, err)
		}
		extent[i] = f
	}
	return extent, nil
}

func create(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pyramids := cfg.Pyramids
	if tmsID := c.String(TILEMATRIXSET); tmsID != "" {
		p := config.Pyramid{ID: c.String(PYRAMID), TileMatrixSet: tmsID, Format: c.String(FORMAT)}
		if p.ID == "" {
			p.ID = tmsID
		}
		if p.Format == "" {
			p.Format = "png"
		}
		if levels := c.String(TILEMATRICES); levels != "" {
			if err = json.Unmarshal([]byte(levels), &p.Levels); err != nil {
				return err
			}
		}
		pyramids = []config.Pyramid{p}
	}
	if len(pyramids) == 0 {
		return fmt.Errorf("%w: no pyramids configured and no --%s given", pyramid.ErrConfiguration, TILEMATRIXSET)
	}

	r, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	defer r.Close()

	log.Println("=== start creating ===")
	for _, p := range pyramids {
		template, err := p.Template()
		if err != nil {
			return err
		}
		if _, err = r.CreateModel(c.Context, template); err != nil {
			return err
		}
		log.Printf("  created %s with %d mosaics", p.ID, len(template.Mosaics))
	}
	log.Println("=== done creating ===")
	return nil
}

// region resolves the pyramids, envelope and scale range of the region flags.
func region(c *cli.Context, r pyramid.Resource) ([]pyramid.Pyramid, geom.Extent, pyramid.ScaleRange, error) {
	scales := pyramid.ScaleRange{Min: c.Float64(MINSCALE), Max: c.Float64(MAXSCALE)}
	var pyramids []pyramid.Pyramid
	if id := c.String(PYRAMID); id != "" {
		model, ok := r.Model(id)
		p, isPyramid := model.(pyramid.Pyramid)
		if !ok || !isPyramid {
			return nil, geom.Extent{}, scales, fmt.Errorf("%w: pyramid %q", pyramid.ErrNotFound, id)
		}
		pyramids = append(pyramids, p)
	} else {
		pyramids = pyramid.Pyramids(r)
	}
	if bbox := c.String(BBOX); bbox != "" {
		extent, err := parseExtent(bbox)
		return pyramids, extent, scales, err
	}
	var (
		envelope geom.Extent
		found    bool
	)
	for _, p := range pyramids {
		e, ok := p.Envelope()
		switch {
		case !ok:
		case !found:
			envelope, found = e, true
		default:
			envelope.Add(&e)
		}
	}
	return pyramids, envelope, scales, nil
}

// only limits a resource to one pyramid.
type only struct {
	pyramid.Resource
	p pyramid.Pyramid
}

func (o only) Models() []pyramid.Model {
	return []pyramid.Model{o.p}
}

func generate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	gen, err := cfg.Generate.Generator()
	if err != nil {
		return err
	}
	if gen == nil {
		return fmt.Errorf("%w: no source image configured", pyramid.ErrConfiguration)
	}
	r, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	defer r.Close()

	pyramids, envelope, scales, err := region(c, r)
	if err != nil {
		return err
	}
	log.Println("=== start generating ===")
	for _, p := range pyramids {
		pr := progressive.New(only{Resource: r, p: p}, gen, progressive.WithConcurrency(cfg.Generate.Concurrency))
		if err = pr.Generate(c.Context, envelope, scales, pyramid.NewLogProgress(p.ID())); err != nil {
			return err
		}
		log.Printf("  generated %d tiles for %s", pr.Generated(), p.ID())
	}
	log.Println("=== done generating ===")
	return nil
}

func clearRegion(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	r, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	defer r.Close()

	pyramids, envelope, scales, err := region(c, r)
	if err != nil {
		return err
	}
	log.Println("=== start clearing ===")
	for _, p := range pyramids {
		if err = progressive.New(only{Resource: r, p: p}, nil).Clear(c.Context, envelope, scales); err != nil {
			return err
		}
		log.Printf("  cleared %s", p.ID())
	}
	log.Println("=== done clearing ===")
	return nil
}

func info(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Store.ReadOnly = true
	r, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, p := range pyramid.Pyramids(r) {
		envelope, _ := p.Envelope()
		fmt.Printf("%s  %v  %v\n", truncate.StringWithTail(p.ID(), idWidth, "..."), p.CRS(), envelope)
		for _, m := range p.Mosaics() {
			extent, err := m.DataExtent(c.Context)
			if err != nil {
				return err
			}
			format := m.Format()
			if format == "" {
				format = "-"
			}
			fmt.Printf("  %-*s  scale %-14g  grid %-12v  tile %-10v  %-5s  data %v\n",
				idWidth, truncate.StringWithTail(m.ID(), idWidth, "..."), m.Scale(), m.GridSize(), m.TileSize(), format, extent)
		}
	}
	return nil
}

func readTile(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	r, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	defer r.Close()

	var res pyramid.Resource = r
	gen, err := cfg.Generate.Generator()
	if err != nil {
		return err
	}
	if gen != nil {
		res = progressive.New(r, gen)
	}
	cached := cache.New(res, cfg.Cache.Options()...)
	defer cached.Close()

	model, _ := cached.Model(c.String(PYRAMID))
	p, ok := model.(pyramid.Pyramid)
	if !ok {
		return fmt.Errorf("%w: pyramid %q", pyramid.ErrNotFound, c.String(PYRAMID))
	}
	m, ok := p.Mosaic(c.String(MOSAIC))
	if !ok {
		return fmt.Errorf("%w: mosaic %q", pyramid.ErrNotFound, c.String(MOSAIC))
	}
	tile, err := m.Tile(c.Context, c.Int64(COL), c.Int64(ROW), pyramid.Hints{pyramid.HintFormat: c.String(FORMAT)})
	if err != nil {
		return err
	}
	if tile == nil {
		return fmt.Errorf("%w: tile (%d, %d) of %s/%s is missing", pyramid.ErrNotFound, c.Int64(COL), c.Int64(ROW), p.ID(), m.ID())
	}
	out := os.Stdout
	if path := c.String(OUTPUT); path != "" {
		if out, err = os.Create(path); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, out.Close()) }()
	}
	_, err = out.Write(tile.Data)
	return err
}

func copyPyramid(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	target := config.Store{Type: c.String(TARGETTYPE), Path: c.String(TARGETPATH)}
	if target.Type == "" {
		target.Type = config.StoreSQLite
	}
	var mosaicIDs []string
	if ids := c.String(TILEMATRICES); ids != "" {
		if err = json.Unmarshal([]byte(ids), &mosaicIDs); err != nil {
			return err
		}
	}

	cfg.Store.ReadOnly = true
	src, err := cfg.Store.Open(c.Context, cfg.Verbose)
	if err != nil {
		return err
	}
	dst, err := target.Open(c.Context, cfg.Verbose)
	if err != nil {
		return multierr.Append(err, src.Close())
	}
	defer func() { err = multierr.Combine(err, src.Close(), dst.Close()) }()

	p, ok := src.Pyramid(c.String(PYRAMID))
	if !ok {
		return fmt.Errorf("%w: pyramid %q", pyramid.ErrNotFound, c.String(PYRAMID))
	}
	into, ok := dst.Pyramid(p.ID())
	if !ok {
		if _, err = dst.CreateModel(c.Context, &pyramid.PyramidTemplate{Identifier: p.ID(), CRS: p.CRS()}); err != nil {
			return err
		}
		into, _ = dst.Pyramid(p.ID())
	}

	log.Printf("=== start copying %s ===", p.ID())
	if _, err = processing.CopyPyramid(c.Context, p, into, mosaicIDs...); err != nil {
		return err
	}
	log.Println("=== done copying ===")
	return nil
}
