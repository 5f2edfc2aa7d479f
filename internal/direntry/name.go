package direntry

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/elliotwutingfeng/asciiset"
	"golang.org/x/text/encoding/charmap"
)

// ErrInvalidName is returned for names which cannot be stored in a directory.
var ErrInvalidName = errors.New("invalid file name")

// NameEncoder converts between unicode and the OEM code page used for short names.
// *charmap.Charmap from golang.org/x/text implements it.
type NameEncoder interface {
	EncodeRune(r rune) (b byte, ok bool)
	DecodeByte(b byte) rune
}

// DefaultEncoder uses code page 437.
var DefaultEncoder NameEncoder = charmap.CodePage437

// MaxNameLength is the maximum length of a long name in UTF-16 code units.
const MaxNameLength = 255

const maxNumericTail = 999999

var (
	validShortNameCharacters, _ = asciiset.MakeASCIISet("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#$%&'()-@^_`{}~")
	invalidLongNameCharacters, _ = asciiset.MakeASCIISet("\"*/:<>?\\|")
)

// CleanName removes the trailing dots and spaces Windows ignores and
// validates the remaining name.
func CleanName(name string) (string, error) {
	name = strings.TrimRight(name, " .")
	if name == "" || name == "." || name == ".." {
		return "", checkpoint.New(ErrInvalidName, "%q", name)
	}

	for _, r := range name {
		if r < 0x20 || (r < unicode.MaxASCII && invalidLongNameCharacters.Contains(byte(r))) {
			return "", checkpoint.New(ErrInvalidName, "%q contains %q", name, r)
		}
	}

	if len(utf16.Encode([]rune(name))) > MaxNameLength {
		return "", checkpoint.New(ErrInvalidName, "%q is longer than %d characters", name, MaxNameLength)
	}
	return name, nil
}

// encodeShort converts s to upper case OEM bytes. lossy is true if a
// character had to be replaced.
func encodeShort(s string, enc NameEncoder) (result []byte, lossy bool) {
	for _, r := range s {
		b, ok := enc.EncodeRune(unicode.ToUpper(r))
		if !ok || (b < 0x80 && !validShortNameCharacters.Contains(b)) {
			result = append(result, '_')
			lossy = true
			continue
		}
		result = append(result, b)
	}
	return result, lossy
}

// letterCase returns the case flag for s: 0 if s contains no lower case
// letter, flag if it contains only lower case letters and ok == false if
// upper and lower case letters are mixed.
func letterCase(s string, flag byte) (result byte, ok bool) {
	hasUpper := strings.ToLower(s) != s
	hasLower := strings.ToUpper(s) != s
	if hasUpper && hasLower {
		return 0, false
	}
	if hasLower {
		return flag, true
	}
	return 0, true
}

func toShort(base, ext []byte) [11]byte {
	var sfn [11]byte
	for i := range sfn {
		sfn[i] = ' '
	}
	copy(sfn[:8], base)
	copy(sfn[8:], ext)
	if sfn[0] == MarkerDeleted {
		sfn[0] = markerKanji
	}
	return sfn
}

// exactShort returns the short name if name can be stored as 8.3 without a long name.
func exactShort(name string, enc NameEncoder) (sfn [11]byte, ntCase byte, ok bool) {
	if strings.HasPrefix(name, ".") || strings.Count(name, ".") > 1 {
		return sfn, 0, false
	}

	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}

	encBase, lossyBase := encodeShort(base, enc)
	encExt, lossyExt := encodeShort(ext, enc)
	if lossyBase || lossyExt || len(encBase) == 0 || len(encBase) > 8 || len(encExt) > 3 {
		return sfn, 0, false
	}

	baseCase, okBase := letterCase(base, CaseLowerBase)
	extCase, okExt := letterCase(ext, CaseLowerExt)
	if !okBase || !okExt {
		return sfn, 0, false
	}

	return toShort(encBase, encExt), baseCase | extCase, true
}

// ShortName returns the short name stored for name.
//
// If name fits into 8.3, possibly using the lower case flags, no long name is
// needed. Otherwise a basis name is derived and, if it lost information or
// exists already, made unique by a numeric tail "~1" to "~999999".
// exists has to report whether a short name is already used in the directory.
func ShortName(name string, enc NameEncoder, exists func([11]byte) bool) (sfn [11]byte, ntCase byte, needLFN bool, err error) {
	if sfn, ntCase, ok := exactShort(name, enc); ok {
		if !exists(sfn) {
			return sfn, ntCase, false, nil
		}
	}

	stripped := strings.TrimLeft(strings.ReplaceAll(name, " ", ""), ".")
	lossy := stripped != name

	baseStr, extStr := stripped, ""
	if i := strings.LastIndex(stripped, "."); i >= 0 {
		baseStr, extStr = stripped[:i], stripped[i+1:]
	}
	if strings.Contains(baseStr, ".") {
		baseStr = strings.ReplaceAll(baseStr, ".", "")
		lossy = true
	}

	base, lossyBase := encodeShort(baseStr, enc)
	ext, lossyExt := encodeShort(extStr, enc)
	lossy = lossy || lossyBase || lossyExt
	if len(base) > 8 {
		base = base[:8]
		lossy = true
	}
	if len(ext) > 3 {
		ext = ext[:3]
		lossy = true
	}
	if len(base) == 0 {
		base = []byte{'_'}
		lossy = true
	}

	if !lossy {
		if sfn := toShort(base, ext); !exists(sfn) {
			return sfn, 0, true, nil
		}
	}

	for n := 1; n <= maxNumericTail; n++ {
		tail := "~" + strconv.Itoa(n)
		keep := len(base)
		if keep > 8-len(tail) {
			keep = 8 - len(tail)
		}

		candidate := append(append([]byte{}, base[:keep]...), tail...)
		if sfn := toShort(candidate, ext); !exists(sfn) {
			return sfn, 0, true, nil
		}
	}

	return sfn, 0, false, checkpoint.New(fserr.ErrOutOfSpace, "no unique short name for %q", name)
}

// DisplayShort converts a short name into its display form like "README.TXT",
// applying the lower case flags.
func DisplayShort(sfn [11]byte, ntCase byte, enc NameEncoder) string {
	decode := func(b []byte, lower bool) string {
		s := strings.Builder{}
		for i, c := range b {
			if i == 0 && c == markerKanji {
				c = MarkerDeleted
			}
			r := enc.DecodeByte(c)
			if lower {
				r = unicode.ToLower(r)
			}
			s.WriteRune(r)
		}
		return s.String()
	}

	base := decode([]byte(strings.TrimRight(string(sfn[:8]), " ")), ntCase&CaseLowerBase != 0)
	ext := decode([]byte(strings.TrimRight(string(sfn[8:11]), " ")), ntCase&CaseLowerExt != 0)
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// DotName returns the short name of the "." and ".." entries.
func DotName(dots int) [11]byte {
	var sfn [11]byte
	for i := range sfn {
		sfn[i] = ' '
	}
	for i := 0; i < dots; i++ {
		sfn[i] = '.'
	}
	return sfn
}

// LabelName converts a volume label into the 11 byte form.
// Unlike file names a label may contain spaces.
func LabelName(label string, enc NameEncoder) [11]byte {
	var sfn [11]byte
	for i := range sfn {
		sfn[i] = ' '
	}

	i := 0
	for _, r := range label {
		if i >= len(sfn) {
			break
		}
		b, ok := enc.EncodeRune(unicode.ToUpper(r))
		if !ok || (b < 0x80 && b != ' ' && !validShortNameCharacters.Contains(b)) {
			b = '_'
		}
		sfn[i] = b
		i++
	}
	return sfn
}

// DisplayLabel converts an 11 byte volume label into a string without trailing spaces.
func DisplayLabel(sfn [11]byte, enc NameEncoder) string {
	s := strings.Builder{}
	for _, c := range sfn {
		s.WriteRune(enc.DecodeByte(c))
	}
	return strings.TrimRight(s.String(), " ")
}
