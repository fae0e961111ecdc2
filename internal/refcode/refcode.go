// Package refcode содержит генерацию и проверку реферальных кодов.
package refcode

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Length — длина реферального кода в символах.
const Length = 8

// Алфавит без неоднозначных символов (0/O, 1/I/L), код удобно диктовать.
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Generate возвращает новый случайный реферальный код.
// Уникальность не гарантируется: коллизии считаются практически невозможными,
// подстраховкой служит уникальный индекс хранилища.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	b := strings.Builder{}
	b.Grow(Length)
	for _, v := range buf {
		b.WriteByte(alphabet[int(v)%len(alphabet)])
	}

	return b.String(), nil
}

// IsValid проверяет синтаксическую корректность реферального кода.
// Существование кода не проверяется: висячие коды допустимы по контракту.
func IsValid(code string) bool {
	if len(code) != Length {
		return false
	}

	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(alphabet, rune(code[i])) {
			return false
		}
	}

	return true
}
