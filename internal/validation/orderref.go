// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const maxOrderRefLen = 64

// IsValidOrderRef проверяет ссылку на заказ: непустая строка разумной длины
// без управляющих символов.
func IsValidOrderRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > maxOrderRefLen {
		return false
	}
	for _, r := range ref {
		if r < ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
