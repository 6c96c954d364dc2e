package receiptfile

import (
	"bytes"
	"errors"
	"regexp"
)

// ErrSuspiciousContent is returned by Scan. It is a heuristic signal only and
// must not be read as a malware-free guarantee.
var ErrSuspiciousContent = errors.New("file failed security scan")

// Finding names the signature that matched.
type Finding struct {
	Signature string
}

type signature struct {
	name    string
	literal []byte
	fold    bool
	re      *regexp.Regexp
	pdfOnly bool
}

var signatures = []signature{
	{name: "eicar-test-file", literal: []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)},
	{name: "php-open-tag", literal: []byte("<?php"), fold: true},
	{name: "html-script", literal: []byte("<script"), fold: true},
	{name: "powershell", literal: []byte("powershell"), fold: true},
	{name: "eval-call", literal: []byte("eval("), fold: true},
	{name: "pdf-javascript", literal: []byte("/JavaScript"), pdfOnly: true},
	{name: "pdf-js-action", re: regexp.MustCompile(`/JS[\s(<\[/]`), pdfOnly: true},
	{name: "pdf-launch-action", literal: []byte("/Launch"), pdfOnly: true},
	{name: "pdf-embedded-file", literal: []byte("/EmbeddedFile"), pdfOnly: true},
}

// Scan checks data against a short list of known-bad byte patterns.
// PDF action markers are only meaningful inside a PDF, so they are skipped
// unless contentType is application/pdf.
func Scan(data []byte, contentType string) (Finding, error) {
	isPDF := contentType == "application/pdf"
	var lowered []byte
	for _, sig := range signatures {
		if sig.pdfOnly && !isPDF {
			continue
		}
		switch {
		case sig.re != nil:
			if sig.re.Match(data) {
				return Finding{Signature: sig.name}, ErrSuspiciousContent
			}
		case sig.fold:
			if lowered == nil {
				lowered = bytes.ToLower(data)
			}
			if bytes.Contains(lowered, sig.literal) {
				return Finding{Signature: sig.name}, ErrSuspiciousContent
			}
		default:
			if bytes.Contains(data, sig.literal) {
				return Finding{Signature: sig.name}, ErrSuspiciousContent
			}
		}
	}
	return Finding{}, nil
}
