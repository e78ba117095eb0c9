// Package output renders command results as JSON or styled terminal text.
package output

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Format is an output mode.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// DetectFormat returns JSON when the flag is set or DEGIRO_OUTPUT_FORMAT
// asks for it.
func DetectFormat(jsonFlag bool) Format {
	if jsonFlag {
		return FormatJSON
	}
	if strings.EqualFold(os.Getenv("DEGIRO_OUTPUT_FORMAT"), "json") {
		return FormatJSON
	}
	return FormatText
}

// Formatter writes results in the selected format.
type Formatter struct {
	writer io.Writer
	format Format
	color  bool
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithJSON selects JSON output when on is true.
func WithJSON(on bool) Option {
	return func(f *Formatter) {
		f.format = DetectFormat(on)
	}
}

// WithWriter redirects output.
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) {
		if w != nil {
			f.writer = w
		}
	}
}

// WithColor forces color on or off.
func WithColor(on bool) Option {
	return func(f *Formatter) {
		f.color = on
	}
}

// New creates a Formatter for stdout. Color is on only for terminals that
// have not opted out via NO_COLOR or --no-color.
func New(opts ...Option) *Formatter {
	f := &Formatter{
		writer: os.Stdout,
		format: FormatText,
		color:  ColorEnabled(os.Stdout),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsJSON reports whether the formatter writes JSON.
func (f *Formatter) IsJSON() bool { return f.format == FormatJSON }

// Color reports whether styled output is enabled.
func (f *Formatter) Color() bool { return f.color }

// Writer returns the destination.
func (f *Formatter) Writer() io.Writer { return f.writer }

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v any) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	return New(WithWriter(os.Stdout)).JSON(v)
}

var noColor bool

// DisableColor turns off styling for the process.
func DisableColor() {
	noColor = true
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ColorEnabled reports whether styled output should go to w.
func ColorEnabled(w io.Writer) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(file.Fd()) && !isatty.IsCygwinTerminal(file.Fd()) {
		return false
	}
	return termenv.NewOutput(file).EnvColorProfile() != termenv.Ascii
}

// TerminalWidth returns the stdout width, or fallback when stdout is not
// a terminal.
func TerminalWidth(fallback int) int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// TimestampedResponse is embedded in every JSON response.
type TimestampedResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewTimestamped stamps a response with the current UTC time.
func NewTimestamped() TimestampedResponse {
	return TimestampedResponse{Timestamp: time.Now().UTC()}
}

// ErrorResponse is the JSON shape of a failed command.
type ErrorResponse struct {
	TimestampedResponse
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewError builds an ErrorResponse.
func NewError(msg string) ErrorResponse {
	return ErrorResponse{TimestampedResponse: NewTimestamped(), Error: msg}
}

// VersionResponse is the output of `degiro version`.
type VersionResponse struct {
	TimestampedResponse
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"built_at"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}
