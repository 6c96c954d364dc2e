package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// ReceiptKey builds a collision-resistant object key:
// receipts/{userID}/{retailer-slug}-{uuid}{ext}.
func ReceiptKey(userID, retailer, ext string) string {
	name := slug.Make(retailer)
	if name == "" {
		name = "receipt"
	}
	if len(name) > 40 {
		name = strings.Trim(name[:40], "-")
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("receipts/%s/%s-%s%s", userID, name, uuid.NewString(), strings.ToLower(ext))
}
