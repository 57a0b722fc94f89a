package steplog

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// ColorEnabled reports whether styled output should be written to out.
func ColorEnabled(out io.Writer, noColor bool) bool {
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := out.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type tagStyles struct {
	info, warn, err, ok, hint, step, debug lipgloss.Style
}

func newTagStyles(out io.Writer, color bool) tagStyles {
	r := lipgloss.NewRenderer(out)
	if !color {
		plain := r.NewStyle()
		return tagStyles{plain, plain, plain, plain, plain, plain, plain}
	}
	return tagStyles{
		info:  r.NewStyle().Foreground(lipgloss.Color("6")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		err:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		ok:    r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		hint:  r.NewStyle().Foreground(lipgloss.Color("5")),
		step:  r.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
		debug: r.NewStyle().Faint(true),
	}
}

// NewConsoleWriter returns a zerolog console writer that renders level tags
// like [INFO], [WARN], [ERROR] and [ OK ]. Colour is applied only when out is
// a terminal, NO_COLOR is unset and noColor is false.
func NewConsoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	color := ColorEnabled(out, noColor)
	styles := newTagStyles(out, color)

	return zerolog.ConsoleWriter{
		Out:           out,
		NoColor:       !color,
		TimeFormat:    "15:04:05",
		FieldsExclude: []string{StepField, TagField},
		FormatPrepare: func(evt map[string]interface{}) error {
			tag, _ := evt[TagField].(string)
			if tag != "" {
				evt[zerolog.LevelFieldName] = tag
			}
			step, _ := evt[StepField].(string)
			if step == "" {
				return nil
			}
			msg, _ := evt[zerolog.MessageFieldName].(string)
			if tag == string(LevelStep) {
				evt[zerolog.MessageFieldName] = "==> " + msg
			} else {
				evt[zerolog.MessageFieldName] = fmt.Sprintf("%s: %s", step, msg)
			}
			return nil
		},
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			switch level {
			case "trace", "debug":
				return styles.debug.Render("[DEBUG]")
			case "info":
				return styles.info.Render("[INFO]")
			case "warn":
				return styles.warn.Render("[WARN]")
			case "error", "fatal", "panic":
				return styles.err.Render("[ERROR]")
			case string(LevelSuccess):
				return styles.ok.Render("[ OK ]")
			case string(LevelHint):
				return styles.hint.Render("[HINT]")
			case string(LevelStep):
				return styles.step.Render("[STEP]")
			default:
				return fmt.Sprintf("[%s]", level)
			}
		},
	}
}
