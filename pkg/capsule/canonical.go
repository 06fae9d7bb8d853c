package capsule

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf8"
)

// Canonicalize normalizes every file so repeated assembly of the same
// logical content always produces byte-identical capsules: CRLF/CR are
// folded to LF, trailing whitespace is stripped per line, and each byte
// of content that isn't valid UTF-8 is replaced with U+FFFD rather than
// signing undefined bytes.
func Canonicalize(files map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for path, content := range files {
		out[path] = canonicalizeContent(content)
	}
	return out
}

func canonicalizeContent(content []byte) []byte {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte("\r"), []byte("\n"))

	lines := strings.Split(string(normalized), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text := strings.Join(lines, "\n")

	if !utf8.ValidString(text) {
		text = string([]rune(text))
	}
	return []byte(text)
}

// CanonicalBytes builds the length-prefixed, sort-ordered concatenation of
// path|sha256(content) pairs that both Sign and its verification read —
// spec §4.7 step 6's exact definition of "canonical_bytes".
func CanonicalBytes(files map[string][]byte) []byte {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, path := range paths {
		sum := sha256.Sum256(files[path])
		writeLengthPrefixed(&buf, []byte(path))
		buf.WriteByte('|')
		buf.Write(sum[:])
	}
	return buf.Bytes()
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf.Write(lenBytes[:])
	buf.Write(data)
}

// signingSet merges files and tests into one path->content map for
// signing, namespacing tests under a NUL-prefixed key so a test path that
// happens to collide textually with a file path never aliases it.
func signingSet(files, tests map[string][]byte) map[string][]byte {
	combined := make(map[string][]byte, len(files)+len(tests))
	for p, c := range files {
		combined["F\x00"+p] = c
	}
	for p, c := range tests {
		combined["T\x00"+p] = c
	}
	return combined
}

// Sign computes the HMAC-SHA256 signature over CanonicalBytes(files+tests
// combined) using secret.
func Sign(secret []byte, files, tests map[string][]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(CanonicalBytes(signingSet(files, tests)))
	return mac.Sum(nil)
}

// Verify reports whether signature is the correct HMAC for files+tests
// under secret.
func Verify(secret []byte, files, tests map[string][]byte, signature []byte) bool {
	expected := Sign(secret, files, tests)
	return hmac.Equal(expected, signature)
}
