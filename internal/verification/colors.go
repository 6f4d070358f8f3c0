package verification

import (
	"math"
	"strconv"

	"github.com/DDChuru/inspectsync/internal/models"
)

// Colors is the render-ready palette for one verification status.
type Colors struct {
	Background string `json:"background"`
	Text       string `json:"text"`
	Border     string `json:"border"`
}

// ColorScheme maps a verification status to its palette. Every
// background/text pair keeps a contrast ratio of at least 4.5:1.
func ColorScheme(status models.VerificationStatus) Colors {
	switch status {
	case models.VerificationPass:
		return Colors{Background: "#D1E7DD", Text: "#0F5132", Border: "#BADBCC"}
	case models.VerificationFail:
		return Colors{Background: "#F8D7DA", Text: "#842029", Border: "#F5C2C7"}
	case models.VerificationOverdue:
		return Colors{Background: "#842029", Text: "#FFFFFF", Border: "#58151C"}
	default:
		return Colors{Background: "#FFF3CD", Text: "#664D03", Border: "#FFECB5"}
	}
}

// DisplayStatus resolves the render status for an item: a pending item past
// its cadence shows as overdue.
func DisplayStatus(item *models.AreaItemProgress) models.VerificationStatus {
	if item.Status == models.VerificationPending && item.IsOverdue {
		return models.VerificationOverdue
	}
	return item.Status
}

// ContrastRatio computes the WCAG contrast ratio between two #RRGGBB
// colors. The lighter luminance goes in the numerator, so the result is
// always at least 1.
func ContrastRatio(hexA, hexB string) float64 {
	la := relativeLuminance(hexA)
	lb := relativeLuminance(hexB)
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

// relativeLuminance implements the WCAG sRGB luminance formula.
func relativeLuminance(hex string) float64 {
	r, g, b := parseHex(hex)
	return 0.2126*linearize(r) + 0.7152*linearize(g) + 0.0722*linearize(b)
}

func linearize(channel float64) float64 {
	if channel <= 0.03928 {
		return channel / 12.92
	}
	return math.Pow((channel+0.055)/1.055, 2.4)
}

func parseHex(hex string) (r, g, b float64) {
	if len(hex) == 7 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return 0, 0, 0
	}
	channel := func(s string) float64 {
		v, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return 0
		}
		return float64(v) / 255
	}
	return channel(hex[0:2]), channel(hex[2:4]), channel(hex[4:6])
}
