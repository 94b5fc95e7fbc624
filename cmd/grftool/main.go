// grftool inspects GRF archives and the terrain they feed: archive
// contents, the maps inside them, and individual streamed tiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Faultbox/terrastream/internal/source"
	"github.com/Faultbox/terrastream/internal/tilekey"
	"github.com/Faultbox/terrastream/pkg/formats"
	"github.com/Faultbox/terrastream/pkg/grf"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "info":
		cmdInfo(args)
	case "list", "ls":
		cmdList(args)
	case "extract", "x":
		cmdExtract(args)
	case "maps":
		cmdMaps(args)
	case "tile":
		cmdTile(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`grftool - GRF archive and terrain tile utility

Usage:
  grftool <command> [options]

Commands:
  info <file.grf>                    Show archive information
  list <file.grf> [pattern]          List files (optional glob or substring)
  extract <file.grf> <path> [output] Extract file(s) to directory
  maps [-v] <file.grf>               List maps with ground and altitude data
  tile [options] <map> <L/X/Y>       Sample one terrain tile of a map

Tile options:
  -grf a.grf,b.grf   Archives searched in order
  -dir path          Extracted data directory searched after the archives
  -res N             Samples per tile side
  -png out.png       Write the surface color layer as PNG

Examples:
  grftool info data.grf
  grftool list data.grf "*.gnd"
  grftool maps data.grf
  grftool tile -grf data.grf -png tile.png prontera 2/1/3`)
}

func openArchive(path string) *grf.Archive {
	archive, err := grf.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return archive
}

func cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: grftool info <file.grf>")
		os.Exit(1)
	}

	archive := openArchive(args[0])
	defer archive.Close()

	extCount := make(map[string]int)
	var totalSize uint64
	for _, f := range archive.List() {
		if e, ok := archive.Stat(f); ok {
			totalSize += uint64(e.UncompressedSize)
		}
		ext := strings.ToLower(filepath.Ext(f))
		if ext == "" {
			ext = "(no ext)"
		}
		extCount[ext]++
	}

	fmt.Printf("Archive: %s\n", args[0])
	fmt.Printf("Version: 0x%x\n", archive.Version())
	fmt.Printf("Files:   %d\n", archive.Len())
	fmt.Printf("Size:    %.2f MB\n", float64(totalSize)/(1024*1024))
	fmt.Printf("Maps:    %d\n", len(findMaps(archive)))
	fmt.Println()
	fmt.Println("Files by type:")

	exts := make([]string, 0, len(extCount))
	for ext := range extCount {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool {
		return extCount[exts[i]] > extCount[exts[j]]
	})
	for _, ext := range exts {
		fmt.Printf("  %-10s %d\n", ext, extCount[ext])
	}
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("n", 0, "Limit output to N files (0 = all)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: grftool list <file.grf> [pattern]")
		os.Exit(1)
	}

	archive := openArchive(fs.Arg(0))
	defer archive.Close()

	files := archive.List()
	sort.Strings(files)

	pattern := ""
	if fs.NArg() > 1 {
		pattern = strings.ToLower(fs.Arg(1))
	}

	count := 0
	for _, f := range files {
		if pattern != "" && !matches(f, pattern) {
			continue
		}
		fmt.Println(f)
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}

	if pattern != "" {
		fmt.Fprintf(os.Stderr, "\n(%d files matched)\n", count)
	}
}

func matches(path, pattern string) bool {
	lower := strings.ToLower(path)
	if ok, _ := filepath.Match(pattern, filepath.Base(lower)); ok {
		return true
	}
	return strings.Contains(lower, pattern)
}

func cmdExtract(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: grftool extract <file.grf> <path> [output_dir]")
		os.Exit(1)
	}
	outputDir := "."
	if len(args) > 2 {
		outputDir = args[2]
	}

	archive := openArchive(args[0])
	defer archive.Close()

	var targets []string
	if strings.Contains(args[1], "*") {
		pattern := strings.ToLower(args[1])
		for _, f := range archive.List() {
			if ok, _ := filepath.Match(pattern, strings.ToLower(filepath.Base(f))); ok {
				targets = append(targets, f)
			}
		}
	} else {
		if !archive.Contains(args[1]) {
			fmt.Fprintf(os.Stderr, "File not found: %s\n", args[1])
			os.Exit(1)
		}
		targets = []string{args[1]}
	}

	extracted := 0
	for _, f := range targets {
		data, err := archive.Read(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", f, err)
			continue
		}

		// Preserve directory structure so the output works as a data dir.
		outputPath := filepath.Join(outputDir, filepath.FromSlash(strings.ReplaceAll(f, "\\", "/")))
		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
			continue
		}
		if err := os.WriteFile(outputPath, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outputPath, err)
			continue
		}

		fmt.Printf("Extracted: %s (%d bytes)\n", outputPath, len(data))
		extracted++
	}

	fmt.Fprintf(os.Stderr, "\nExtracted %d files\n", extracted)
}

// findMaps returns the names of maps that have both a .gat and a .gnd.
func findMaps(archive *grf.Archive) []string {
	var maps []string
	for _, f := range archive.List() {
		lower := strings.ToLower(f)
		if !strings.HasSuffix(lower, ".gat") {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(strings.ReplaceAll(lower, "\\", "/")), ".gat")
		if archive.Contains("data/" + name + ".gnd") {
			maps = append(maps, name)
		}
	}
	sort.Strings(maps)
	return maps
}

func cmdMaps(args []string) {
	fs := flag.NewFlagSet("maps", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Show size, walkability and altitude range")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: grftool maps [-v] <file.grf>")
		os.Exit(1)
	}

	archive := openArchive(fs.Arg(0))
	defer archive.Close()

	maps := findMaps(archive)
	for _, name := range maps {
		if !*verbose {
			fmt.Println(name)
			continue
		}
		if err := describeMap(archive, name); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		}
	}
	fmt.Fprintf(os.Stderr, "\n(%d maps)\n", len(maps))
}

func describeMap(archive *grf.Archive, name string) error {
	data, err := archive.Read("data/" + name + ".gat")
	if err != nil {
		return err
	}
	gat, err := formats.ParseGAT(data)
	if err != nil {
		return err
	}
	data, err = archive.Read("data/" + name + ".gnd")
	if err != nil {
		return err
	}
	gnd, err := formats.ParseGND(data)
	if err != nil {
		return err
	}

	var walkable, water, blocked int
	for cellType, n := range gat.CountByType() {
		if cellType.IsWalkable() {
			walkable += n
		}
		if cellType.IsWater() {
			water += n
		}
		if cellType.IsBlocked() {
			blocked += n
		}
	}
	pct := func(n int) float64 { return 100 * float64(n) / float64(len(gat.Cells)) }

	lo, hi := gat.GetAltitudeRange()
	fmt.Printf("%-16s %4dx%-4d walk %5.1f%% water %5.1f%% blocked %5.1f%%  altitude %.1f..%.1f  textures %d/%d\n",
		name, gat.Width, gat.Height,
		pct(walkable), pct(water), pct(blocked),
		-hi, -lo,
		len(gnd.CountSurfacesByTexture()), len(gnd.Textures))
	return nil
}

func cmdTile(args []string) {
	fs := flag.NewFlagSet("tile", flag.ExitOnError)
	grfList := fs.String("grf", "", "Comma-separated GRF archives")
	dataDir := fs.String("dir", "", "Extracted data directory")
	res := fs.Int("res", source.DefaultResolution, "Samples per tile side")
	pngOut := fs.String("png", "", "Write the surface color layer to this file")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: grftool tile [options] <map> <L/X/Y>")
		os.Exit(1)
	}
	key, err := tilekey.Parse(fs.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var grfPaths []string
	if *grfList != "" {
		grfPaths = strings.Split(*grfList, ",")
	}
	readers, closeReaders, err := source.OpenReaders(grfPaths, *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeReaders()

	m, err := source.OpenMap(readers, fs.Arg(0), source.WithResolution(*res))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	minX, minY, maxX, maxY := key.Extent()
	fmt.Printf("Map:    %s\n", m.Name())
	fmt.Printf("Tile:   %s\n", key)
	fmt.Printf("Extent: [%.4f, %.4f] - [%.4f, %.4f]\n", minX, minY, maxX, maxY)

	hf, err := m.CreateElevationLayer(ctx, key, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if hf == nil {
		fmt.Println("Elevation: (none)")
	} else {
		lo, hi := hf.Range()
		fmt.Printf("Elevation: %dx%d samples, %.2f .. %.2f\n", hf.Columns, hf.Rows, lo, hi)
	}

	for i := 0; i < m.NumColorLayers(); i++ {
		cl, err := m.CreateColorLayer(ctx, key, i, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cl == nil {
			fmt.Printf("Color %d: (none)\n", i)
			continue
		}
		b := cl.Image.Bounds()
		fmt.Printf("Color %d: %s %dx%d\n", i, cl.Name, b.Dx(), b.Dy())

		if i == source.MapColorSurface && *pngOut != "" {
			if err := writePNG(*pngOut, cl.Image); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *pngOut, err)
				os.Exit(1)
			}
			fmt.Printf("Wrote:   %s\n", *pngOut)
		}
	}
}

func writePNG(path string, img *image.RGBA) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
