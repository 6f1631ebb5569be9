// Command simpleboot-tool is an offline diagnostic CLI: it exercises the
// same FAT32 reader, config parser, decompressor, and MBI tag writer the
// runtime boot core uses, but against a disk image file on a development
// host instead of live firmware. It follows the same flag/run/main shape
// as the teacher's debug log inspector (cmd/debug/main.go).
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/simpleboot/internal/bootconfig"
	"github.com/tinyrange/simpleboot/internal/bootlog"
	"github.com/tinyrange/simpleboot/internal/fat32"
	"github.com/tinyrange/simpleboot/internal/hostdisk"
	"github.com/tinyrange/simpleboot/internal/inflate"
	"github.com/tinyrange/simpleboot/internal/mbi"
)

func run() error {
	image := flag.String("image", "", "path to an ESP/disk image file (required)")
	tree := flag.Bool("tree", false, "print the FAT32 volume's directory tree")
	catalog := flag.Bool("catalog", false, "print the per-architecture boot catalog from sector 1, if present")
	configPath := flag.String("config", "", "path within the volume to a simpleboot.cfg to parse and print")
	backup := flag.Bool("backup", false, "parse -config in Backup mode instead of Primary")
	inflatePath := flag.String("inflate", "", "path within the volume to a module to decompress and size")
	tags := flag.Bool("tags", false, "synthesize a sample MBI tag stream from -config and dump it")
	format := flag.String("format", "text", "output format for -config: text or yaml")
	noColor := flag.Bool("no-color", false, "disable ANSI coloring even on a terminal")
	traceFlag := flag.Bool("trace", false, "dump a step-by-step trace of this run to stderr when it finishes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `simpleboot-tool - inspect a simpleboot ESP image offline

USAGE:
  simpleboot-tool -image FILE [flags]

FLAGS:
  -image FILE        disk image to open (required)
  -tree              print the volume's directory tree
  -catalog           print the per-architecture boot catalog, if present
  -config PATH       parse PATH (a simpleboot.cfg) and print the result
  -backup            parse -config's backup-prefixed lines instead of primary
  -inflate PATH      decompress PATH and print its compressed/decompressed size
  -tags              synthesize and dump an MBI tag stream built from -config
  -format FORMAT     text or yaml, for -config output (default text)
  -no-color          disable ANSI coloring
  -trace             dump a step-by-step trace of the run to stderr

EXAMPLES:
  simpleboot-tool -image esp.img -tree
  simpleboot-tool -image esp.img -config /simpleboot.cfg -format yaml
  simpleboot-tool -image esp.img -config /simpleboot.cfg -tags
  simpleboot-tool -image esp.img -inflate /boot/vmlinuz -trace
`)
	}
	flag.Parse()

	out := newPrinter(*noColor)

	if *image == "" {
		flag.Usage()
		os.Exit(1)
	}

	// An in-memory trace ring, drained to stderr at exit when -trace is set.
	ring := bootlog.NewRing(256)
	trace := ring.WithSource("simpleboot-tool")
	if *traceFlag {
		defer ring.Dump(os.Stderr)
	}
	trace.Writef("opening image %s", *image)

	img, err := hostdisk.Open(*image)
	if err != nil {
		return err
	}
	defer img.Close()

	ctx := context.Background()
	vol, err := fat32.Open(ctx, img)
	if err != nil {
		return fmt.Errorf("open volume: %w", err)
	}
	out.heading(fmt.Sprintf("volume %q", vol.Label()))
	trace.Writef("opened volume %q", vol.Label())

	didSomething := false

	if *tree {
		didSomething = true
		if err := printTree(vol, out); err != nil {
			return fmt.Errorf("tree: %w", err)
		}
	}

	if *catalog {
		didSomething = true
		cat, err := fat32.ReadBootCatalog(ctx, img)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if cat == nil {
			fmt.Println("  no boot catalog present")
		} else {
			out.heading("boot catalog")
			for _, e := range cat.Entries {
				fmt.Printf("  arch=%d wordsize=%d endian=%d start_lba=%d\n", e.Arch, e.WordSize, e.Endian, e.StartLBA)
			}
		}
	}

	var cfg *bootconfig.Config
	if *configPath != "" {
		didSomething = true
		cfg, err = loadConfig(vol, *configPath, *backup)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		trace.Writef("parsed config %s (%d warnings)", *configPath, len(cfg.Warnings))
		if err := printConfig(cfg, *format, out); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	if *inflatePath != "" {
		didSomething = true
		trace.Writef("decompressing %s", *inflatePath)
		if err := printInflate(vol, *inflatePath, out); err != nil {
			return fmt.Errorf("inflate: %w", err)
		}
	}

	if *tags {
		didSomething = true
		if err := printTags(cfg, out); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
	}

	if !didSomething {
		flag.Usage()
		os.Exit(1)
	}
	return nil
}

// loadConfig reads path out of the volume and parses it with the requested
// mode.
func loadConfig(vol *fat32.Volume, path string, backup bool) (*bootconfig.Config, error) {
	var buf bytes.Buffer
	if err := vol.ReadFile(path, &buf, fat32.ReadFileOptions{}); err != nil {
		return nil, err
	}
	mode := bootconfig.Primary
	if backup {
		mode = bootconfig.Backup
	}
	return bootconfig.Parse(buf.String(), mode)
}

func printConfig(cfg *bootconfig.Config, format string, out *printer) error {
	switch format {
	case "yaml":
		enc, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(enc))
	default:
		fmt.Printf("  kernel:     %s\n", cfg.KernelPath)
		fmt.Printf("  cmdline:    %s\n", cfg.Cmdline)
		fmt.Printf("  menu:       %s\n", cfg.MenuName)
		fmt.Printf("  verbose:    %d\n", cfg.Verbose)
		fmt.Printf("  multicore:  %v\n", cfg.Multicore)
		if cfg.SplashPath != "" {
			fmt.Printf("  splash:     %s (bg %06x)\n", cfg.SplashPath, cfg.SplashColor)
		}
		if cfg.FBWidth != 0 {
			fmt.Printf("  framebuffer: %dx%d@%d\n", cfg.FBWidth, cfg.FBHeight, cfg.FBBpp)
		}
		for _, m := range cfg.Modules {
			fmt.Printf("  module:     %s\n", m.Path)
		}
		for _, w := range cfg.Warnings {
			out.warn(w)
		}
	}
	return nil
}

func printTree(vol *fat32.Volume, out *printer) error {
	return vol.Walk("", func(path string, entry fat32.DirEntry) error {
		depth := strings.Count(path, "/")
		indent := strings.Repeat("  ", depth)
		if entry.IsDir {
			out.dir(indent + entry.Name + "/")
		} else {
			out.file(fmt.Sprintf("%s%s (%d bytes)", indent, entry.Name, entry.Size))
		}
		return nil
	})
}

func printInflate(vol *fat32.Volume, path string, out *printer) error {
	var raw bytes.Buffer
	if err := vol.ReadFile(path, &raw, fat32.ReadFileOptions{}); err != nil {
		return err
	}
	data, err := inflate.DecompressAll(bytes.NewReader(raw.Bytes()))
	if err != nil {
		return err
	}
	fmt.Printf("  %s: %d bytes compressed -> %d bytes decompressed\n", path, raw.Len(), len(data))
	return nil
}

// printTags builds a representative MBI tag stream from the parsed config
// (or a minimal placeholder one if no config was loaded) and prints every
// tag ReadTags decodes back out of it, exercising the same writer/reader
// round trip the boot core relies on at handover time.
func printTags(cfg *bootconfig.Config, out *printer) error {
	name := "Simpleboot"
	cmdline := ""
	if cfg != nil {
		cmdline = cfg.Cmdline
	}
	buf := mbi.Build(func(ts *mbi.TagStream) {
		ts.BootLoaderName(name)
		ts.Cmdline(cmdline)
	})
	decoded, err := mbi.ReadTags(buf)
	if err != nil {
		return err
	}
	for _, tag := range decoded {
		out.tag(fmt.Sprintf("type=%-3d offset=%-4d size=%d", tag.Type, tag.Offset, len(tag.Body)+8))
	}
	return nil
}

// printer renders diagnostic output, coloring it with ANSI SGR sequences
// and truncating long lines to the controlling terminal's width when stdout
// is actually a terminal; the cut-off text is not wrapped.
type printer struct {
	color bool
	width int
}

func newPrinter(noColor bool) *printer {
	fd := int(os.Stdout.Fd())
	isTerm := term.IsTerminal(fd)
	width := 100
	if isTerm {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
	}
	return &printer{color: isTerm && !noColor, width: width}
}

func (p *printer) style(s, code string) string {
	if !p.color {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func (p *printer) heading(s string) {
	fmt.Println(p.style("== "+s+" ==", "1;36"))
}

func (p *printer) dir(s string)  { fmt.Println(p.style(ansi.Truncate(s, p.width, "..."), "1;34")) }
func (p *printer) file(s string) { fmt.Println(ansi.Truncate(s, p.width, "...")) }
func (p *printer) tag(s string)  { fmt.Println(p.style(ansi.Truncate(s, p.width, "..."), "35")) }

func (p *printer) warn(msg string) {
	line := ansi.Truncate("WARNING: "+msg, p.width, "...")
	fmt.Println(p.style(line, "33"))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "simpleboot-tool: %v\n", err)
		os.Exit(1)
	}
}
