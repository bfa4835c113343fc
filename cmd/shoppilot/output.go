package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/product"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// Notices go to stderr so command output stays pipeable.
var notices io.Writer = os.Stderr

func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(notices, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args...) }

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(notices, "  %-10s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// productLine renders the known fields of p; unknown ones are left out.
func productLine(p product.Ref) string {
	var parts []string
	if p.Title != "" {
		parts = append(parts, p.Title)
	}
	if p.Price.Known() {
		price := p.CurrencySymbol + p.Price.String()
		if p.OriginalPrice.Known() && p.OriginalPrice.Decimal.GreaterThan(p.Price.Decimal) {
			price += " (was " + p.CurrencySymbol + p.OriginalPrice.String() + ")"
		}
		parts = append(parts, price)
	}
	if p.Rating != nil {
		rating := fmt.Sprintf("%.1f★", *p.Rating)
		if p.ReviewCount != nil {
			rating += fmt.Sprintf(" (%d)", *p.ReviewCount)
		}
		parts = append(parts, rating)
	}
	if s := p.Shipping(); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " · ")
}

func printMessage(w io.Writer, m chat.Message) {
	label := colorize(colorBold, "Adviser:")
	if m.Role == chat.RoleUser {
		label = colorize(colorCyan, "You:")
	}
	fmt.Fprintf(w, "%s %s\n", label, m.Content)
}
