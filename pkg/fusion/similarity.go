package fusion

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// Similarity scores a pair of same-type records in [0,1]. Each attribute
// comparison carries a weight that only counts when both records present the
// attribute; the final score divides by the sum of active weights, so a pair
// sharing two strong fields is not punished for fields neither reported.
// Records of different types never match.
func Similarity(a, b *EntityRecord) float64 {
	if a.Type != b.Type {
		return 0
	}
	switch a.Type {
	case EntityPerson:
		return personSimilarity(a.Attributes, b.Attributes)
	case EntityVehicle:
		return vehicleSimilarity(a.Attributes, b.Attributes)
	case EntityIncident:
		return incidentSimilarity(a, b)
	case EntityAddress:
		return addressSimilarity(a.Attributes, b.Attributes)
	default:
		return genericSimilarity(a.Attributes, b.Attributes)
	}
}

// scorecard accumulates conditionally weighted comparisons.
type scorecard struct {
	weighted float64
	active   float64
}

func (c *scorecard) add(weight, score float64) {
	c.weighted += weight * score
	c.active += weight
}

func (c *scorecard) value() float64 {
	if c.active == 0 {
		return 0
	}
	return c.weighted / c.active
}

func personSimilarity(a, b map[string]string) float64 {
	var card scorecard
	if av, bv, ok := both(a, b, "name"); ok {
		card.add(0.4, nameSimilarity(av, bv))
	}
	if av, bv, ok := both(a, b, "dob"); ok {
		card.add(0.3, exact(av, bv))
	}
	if av, bv, ok := both(a, b, "ssn"); ok {
		card.add(0.5, exact(digitsOf(av), digitsOf(bv)))
	}
	if av, bv, ok := both(a, b, "dl"); ok {
		card.add(0.4, exact(alnumOf(av), alnumOf(bv)))
	}
	if av, bv, ok := both(a, b, "address"); ok {
		card.add(0.2, editSimilarity(av, bv))
	}
	if av, bv, ok := both(a, b, "phone"); ok {
		card.add(0.3, exact(phoneOf(av), phoneOf(bv)))
	}
	return card.value()
}

// nameSimilarity blends edit distance, Soundex and token overlap into the
// single name metric the person scorer weighs at 0.4.
func nameSimilarity(a, b string) float64 {
	score := 0.4 * editSimilarity(a, b)
	if soundex(a) == soundex(b) {
		score += 0.3
	}
	score += 0.3 * jaccard(a, b)
	return score
}

func vehicleSimilarity(a, b map[string]string) float64 {
	var card scorecard
	if av, bv, ok := both(a, b, "plate"); ok {
		card.add(0.5, editSimilarity(alnumOf(av), alnumOf(bv)))
	}
	if av, bv, ok := both(a, b, "vin"); ok {
		card.add(0.6, exact(alnumOf(av), alnumOf(bv)))
	}
	if av, bv, ok := both(a, b, "make"); ok {
		card.add(0.2, editSimilarity(av, bv))
	}
	if av, bv, ok := both(a, b, "model"); ok {
		card.add(0.2, editSimilarity(av, bv))
	}
	if av, bv, ok := both(a, b, "year"); ok {
		if ay, aerr := strconv.Atoi(av); aerr == nil {
			if by, berr := strconv.Atoi(bv); berr == nil {
				card.add(0.15, decayed(math.Abs(float64(ay-by)), 0.2))
			}
		}
	}
	if av, bv, ok := both(a, b, "color"); ok {
		card.add(0.1, exact(av, bv))
	}
	return card.value()
}

func incidentSimilarity(a, b *EntityRecord) float64 {
	var card scorecard
	if av, bv, ok := both(a.Attributes, b.Attributes, "case_number"); ok {
		card.add(0.6, exact(alnumOf(av), alnumOf(bv)))
	}
	if av, bv, ok := both(a.Attributes, b.Attributes, "incident_type"); ok {
		card.add(0.2, exact(av, bv))
	}
	if av, bv, ok := both(a.Attributes, b.Attributes, "location"); ok {
		card.add(0.3, editSimilarity(av, bv))
	}
	if !a.ObservedAt.IsZero() && !b.ObservedAt.IsZero() {
		hours := math.Abs(a.ObservedAt.Sub(b.ObservedAt).Hours())
		card.add(0.25, decayed(hours, 0.1))
	}
	return card.value()
}

func addressSimilarity(a, b map[string]string) float64 {
	var card scorecard
	if av, bv, ok := both(a, b, "street"); ok {
		card.add(0.4, editSimilarity(av, bv))
	}
	if av, bv, ok := both(a, b, "city"); ok {
		card.add(0.2, exact(av, bv))
	}
	if av, bv, ok := both(a, b, "zip"); ok {
		az, bz := digitsOf(av), digitsOf(bv)
		if len(az) >= 5 && len(bz) >= 5 {
			card.add(0.3, exact(az[:5], bz[:5]))
		}
	}
	if ap, aok := pointOf(a); aok {
		if bp, bok := pointOf(b); bok {
			// Linear falloff: co-located scores 1, a kilometer apart 0.
			km := geo.DistanceMeters(ap, bp) / 1000
			card.add(0.4, decayed(km, 1.0))
		}
	}
	return card.value()
}

// genericSimilarity is the untyped fallback: the mean edit similarity over
// the attributes both records carry.
func genericSimilarity(a, b map[string]string) float64 {
	var sum float64
	var n int
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			continue
		}
		an, bn := fold(av), fold(bv)
		if an == "" || bn == "" {
			continue
		}
		sum += editSimilarity(an, bn)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// both returns the folded values of key when both records carry it.
func both(a, b map[string]string, key string) (string, string, bool) {
	av, bv := fold(a[key]), fold(b[key])
	if av == "" || bv == "" {
		return "", "", false
	}
	return av, bv, true
}

// fold canonicalizes a value for comparison: NFC normalization, lowercase,
// collapsed whitespace.
func fold(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func exact(a, b string) float64 {
	if a != "" && a == b {
		return 1
	}
	return 0
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func alnumOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// phoneOf compares national significant digits: the last ten, so +1 prefixes
// and formatting do not split otherwise identical numbers.
func phoneOf(s string) string {
	d := digitsOf(s)
	if len(d) > 10 {
		d = d[len(d)-10:]
	}
	return d
}

// decayed maps a distance in some unit to a similarity falling off at rate
// per unit, floored at 0.
func decayed(units, rate float64) float64 {
	return math.Max(0, 1-rate*units)
}

// editSimilarity is 1 - levenshtein/maxlen over runes.
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ar, br := []rune(a), []rune(b)
	longest := len(ar)
	if len(br) > longest {
		longest = len(br)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein(ar, br))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// jaccard measures token-set overlap between two folded strings.
func jaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for tok := range as {
		if _, ok := bs[tok]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// soundex computes the classic four-character American Soundex code.
func soundex(s string) string {
	var letters []rune
	for _, r := range s {
		if unicode.IsLetter(r) && r < 128 {
			letters = append(letters, unicode.ToUpper(r))
		}
	}
	if len(letters) == 0 {
		return ""
	}

	code := []rune{letters[0]}
	prev := soundexDigit(letters[0])
	for _, r := range letters[1:] {
		d := soundexDigit(r)
		if d == 0 {
			// h and w are transparent; vowels reset the run.
			if r != 'H' && r != 'W' {
				prev = 0
			}
			continue
		}
		if d != prev {
			code = append(code, rune('0'+d))
			if len(code) == 4 {
				break
			}
		}
		prev = d
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

func soundexDigit(r rune) int {
	switch r {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	default:
		return 0
	}
}

// pointOf parses a lat/lon pair out of string attributes.
func pointOf(attrs map[string]string) (geo.Point, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(attrs["lat"]), 64)
	if err != nil {
		return geo.Point{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(attrs["lon"]), 64)
	if err != nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lon: lon}, true
}
