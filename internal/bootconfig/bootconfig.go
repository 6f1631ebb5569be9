// Package bootconfig parses the boot loader's line-oriented configuration
// file: verbose level, framebuffer mode, boot-splash selection, kernel
// path/cmdline, modules, SMP enable, and the one menu entry the loader acts
// on. The scanner-driven parser with a small stateful struct accumulating
// result fields as it walks lines follows the same shape as the teacher's
// Dockerfile line parser (internal/dockerfile/parser.go).
package bootconfig

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// errUnknownDirective marks a directive name the grammar doesn't recognize.
// Parse downgrades it to a warning instead of aborting the whole file, per
// "unknown directives are ignored with a warning".
var errUnknownDirective = errors.New("unknown directive")

// MaxLineLength bounds a single configuration line, guarding against a
// corrupt or hostile config blob driving an unbounded scanner buffer.
const MaxLineLength = 4096

// DefaultKernelPath is the file tried when no kernel directive named one.
const DefaultKernelPath = "kernel"

// Mode selects which `backup`-prefixed lines are active: Primary runs every
// non-backup directive, Backup runs only the lines prefixed with `backup`
// (with that prefix stripped).
type Mode int

const (
	Primary Mode = iota
	Backup
)

// Module is a module directive's resolved path.
type Module struct {
	Path string
}

// Config is the fully parsed configuration for one menu entry.
type Config struct {
	KernelPath  string
	Cmdline     string
	SplashColor uint32 // 0xRRGGBB, valid only if SplashPath != ""
	SplashPath  string
	FBWidth     uint32
	FBHeight    uint32
	FBBpp       uint32
	Verbose     int
	Multicore   bool
	Modules     []Module
	MenuName    string

	// Warnings collects one message per ignored or malformed directive,
	// in line order, for the caller to print as "WARNING: ..." lines.
	Warnings []string
}

// Parse reads the configuration text and returns the single menu entry
// selected for mode. Only the first `menuentry` line is processed; any
// content after it is ignored, matching the "first menuentry terminates
// parsing" rule.
func Parse(text string, mode Mode) (*Config, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	cfg := &Config{FBBpp: 32}
	lineNum := 0
	seenMenuEntry := false

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if seenMenuEntry {
			break
		}

		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		active := true
		if strings.HasPrefix(line, "backup") && (len(line) == len("backup") || line[len("backup")] == ' ') {
			if mode != Backup {
				continue
			}
			line = strings.TrimSpace(strings.TrimPrefix(line, "backup"))
			if line == "" {
				continue
			}
		} else if mode == Backup {
			active = false
		}
		if !active {
			continue
		}

		fields := splitEscaped(line)
		if len(fields) == 0 {
			continue
		}
		directive := fields[0]
		args := fields[1:]

		if err := applyDirective(cfg, directive, args, &seenMenuEntry); err != nil {
			if errors.Is(err, errUnknownDirective) {
				cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("line %d: %s", lineNum, err))
				continue
			}
			return nil, fmt.Errorf("bootconfig: line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bootconfig: %w", err)
	}
	if cfg.KernelPath == "" {
		// No kernel directive (or no config at all) falls back to the
		// built-in default name; whether that file exists is the loader's
		// problem, and its absence is what eventually drives the backup
		// retry and VBR fallback.
		cfg.KernelPath = DefaultKernelPath
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("no kernel directive, defaulting to %q", DefaultKernelPath))
	}
	return cfg, nil
}

func applyDirective(cfg *Config, directive string, args []string, seenMenuEntry *bool) error {
	switch directive {
	case "verbose":
		if len(args) != 1 {
			return fmt.Errorf("verbose requires exactly one argument")
		}
		level, err := strconv.Atoi(args[0])
		if err != nil || level < 0 || level > 3 {
			return fmt.Errorf("verbose level must be 0..3, got %q", args[0])
		}
		cfg.Verbose = level

	case "framebuffer":
		if len(args) != 3 {
			return fmt.Errorf("framebuffer requires width height bpp")
		}
		w, err1 := strconv.ParseUint(args[0], 10, 32)
		h, err2 := strconv.ParseUint(args[1], 10, 32)
		bpp, err3 := strconv.ParseUint(args[2], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("framebuffer: invalid dimensions %v", args)
		}
		// Out-of-range requests keep the firmware's own mode instead of
		// failing the boot: width 320..65536, height 200..65536, bpp 15..32.
		if w < 320 || w > 65536 || h < 200 || h > 65536 || bpp < 15 || bpp > 32 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("framebuffer %dx%d@%d out of range, keeping firmware mode", w, h, bpp))
			cfg.FBWidth, cfg.FBHeight, cfg.FBBpp = 0, 0, 32
			break
		}
		cfg.FBWidth, cfg.FBHeight, cfg.FBBpp = uint32(w), uint32(h), uint32(bpp)

	case "bootsplash":
		if len(args) == 2 {
			color, err := parseHexColor(args[0])
			if err != nil {
				return err
			}
			cfg.SplashColor = color
			cfg.SplashPath = args[1]
		} else if len(args) == 1 {
			cfg.SplashPath = args[0]
		} else {
			return fmt.Errorf("bootsplash requires [#RRGGBB] path")
		}

	case "kernel":
		if len(args) < 1 {
			return fmt.Errorf("kernel requires a path")
		}
		cfg.KernelPath = args[0]
		cfg.Cmdline = strings.Join(args[1:], " ")

	case "module":
		if len(args) != 1 {
			return fmt.Errorf("module requires exactly one path")
		}
		cfg.Modules = append(cfg.Modules, Module{Path: args[0]})

	case "multicore":
		cfg.Multicore = true

	case "menuentry":
		if len(args) < 1 {
			return fmt.Errorf("menuentry requires a name")
		}
		cfg.MenuName = strings.Join(args, " ")
		*seenMenuEntry = true

	default:
		return fmt.Errorf("%w %q", errUnknownDirective, directive)
	}
	return nil
}

func parseHexColor(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return 0, fmt.Errorf("invalid color %q, want #RRGGBB", s)
	}
	return uint32(v), nil
}

// stripComment blanks a line whose first non-blank character is '#'. A '#'
// later in the line is kept, since bootsplash's #RRGGBB colour uses it.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
		return ""
	}
	return line
}

// splitEscaped splits on whitespace, treating "\ " as a literal space inside
// a token (used for paths containing spaces) rather than a field separator.
func splitEscaped(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, c := range line {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return fields
}
