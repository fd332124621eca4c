package job

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ratio is one of the aspect ratios the upstream enumerates, with the
// output size it renders at for that ratio.
type ratio struct {
	name          string
	code          int
	w, h          int
	width, height int
}

var ratios = []ratio{
	{"1:1", 1, 1, 1, 1328, 1328},
	{"3:4", 2, 3, 4, 1104, 1472},
	{"16:9", 3, 16, 9, 1664, 936},
	{"4:3", 4, 4, 3, 1472, 1104},
	{"9:16", 5, 9, 16, 936, 1664},
	{"2:3", 6, 2, 3, 1056, 1584},
	{"3:2", 7, 3, 2, 1584, 1056},
	{"21:9", 8, 21, 9, 2016, 864},
}

// AspectRatio reduces width and height by their GCD, e.g. 1920x1080 is
// "16:9". Non-positive sizes yield "1:1".
func AspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	d := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/d, height/d)
}

// RatioCode maps a size to the upstream ratio enumeration. Sizes that do not
// reduce to an enumerated ratio get the nearest one.
func RatioCode(width, height int) int {
	return nearestRatio(width, height).code
}

// VideoRatio returns the enumerated ratio name nearest to the given size.
func VideoRatio(width, height int) string {
	return nearestRatio(width, height).name
}

// RatioSize returns the render size for a ratio name such as "16:9".
func RatioSize(name string) (width, height int, err error) {
	name = strings.TrimSpace(name)
	for _, r := range ratios {
		if r.name == name {
			return r.width, r.height, nil
		}
	}
	w, h, ok := strings.Cut(name, ":")
	if !ok {
		return 0, 0, fmt.Errorf("job: invalid ratio %q", name)
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return 0, 0, fmt.Errorf("job: invalid ratio %q", name)
	}
	r := nearestRatio(wi, hi)
	return r.width, r.height, nil
}

func nearestRatio(width, height int) ratio {
	if width <= 0 || height <= 0 {
		return ratios[0]
	}
	d := gcd(width, height)
	rw, rh := width/d, height/d
	for _, r := range ratios {
		if r.w == rw && r.h == rh {
			return r
		}
	}

	target := math.Log(float64(width) / float64(height))
	best, bestDiff := ratios[0], math.Inf(1)
	for _, r := range ratios {
		diff := math.Abs(math.Log(float64(r.w)/float64(r.h)) - target)
		if diff < bestDiff {
			best, bestDiff = r, diff
		}
	}
	return best
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
