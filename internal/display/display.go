// Package display turns a price sample into the text and colors shown on the
// chat platform.
package display

import (
	"fmt"
	"strconv"
	"strings"

	"price-presence-bot/internal/fetcher"
)

// MaxNicknameLength is the platform's guild nickname limit, in runes.
const MaxNicknameLength = 32

// Color is a 24-bit RGB value.
type Color int

// Common palette values.
const (
	ColorGreen Color = 0x2ECC71
	ColorRed   Color = 0xE74C3C
	ColorGrey  Color = 0x95A5A6
)

// ParseColor accepts "#RRGGBB", "0xRRGGBB" or "RRGGBB".
func ParseColor(s string) (Color, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "#")
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(raw) != 6 {
		return 0, fmt.Errorf("invalid color %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color(v), nil
}

func (c Color) String() string {
	return fmt.Sprintf("#%06X", int(c))
}

// MarshalYAML renders the color in the same form ParseColor accepts.
func (c Color) MarshalYAML() (any, error) {
	return c.String(), nil
}

// State is everything the bot shows for one sample.
type State struct {
	RoleName     string
	RoleColor    Color
	PresenceText string
	Nickname     string
}

// Formatter holds the static display settings.
type Formatter struct {
	Symbol        string
	PriceDecimals int32
	Positive      Color
	Negative      Color
}

// RolePrefix is the name prefix shared by every role name f derives.
func (f Formatter) RolePrefix() string {
	return f.Symbol + ":"
}

// Names reports whether every role name f derives starts with prefix.
func (f Formatter) Names(prefix string) bool {
	return prefix != "" && strings.HasPrefix(f.Symbol+": $", prefix)
}

// Derive computes the display state. It depends only on the sample's price
// and change, never on ObservedAt or prior samples.
func (f Formatter) Derive(sample fetcher.PriceSample) State {
	roleName := fmt.Sprintf("%s: $%s", f.Symbol, sample.Price.StringFixed(f.PriceDecimals))

	color := f.Positive
	if sample.Change24h.IsNegative() {
		color = f.Negative
	}

	return State{
		RoleName:     roleName,
		RoleColor:    color,
		PresenceText: "24h: " + FormatChange(sample),
		Nickname:     truncateRunes(roleName, MaxNicknameLength),
	}
}

// FormatChange renders the 24h change with an explicit sign, e.g. "+5.67%".
// The sign follows the raw value so it always agrees with the role color.
func FormatChange(sample fetcher.PriceSample) string {
	sign := "+"
	if sample.Change24h.IsNegative() {
		sign = "-"
	}
	return sign + sample.Change24h.Abs().StringFixed(2) + "%"
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
