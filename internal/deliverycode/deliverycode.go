// Package deliverycode реализует одноразовые коды подтверждения передачи доставки.
package deliverycode

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// CodeLength — длина одноразового кода в цифрах.
const CodeLength = 6

// MaxAttempts — предельное число неудачных попыток подтверждения кода.
// После исчерпания лимита доставка блокируется до вмешательства оператора,
// автоматической разблокировки нет.
const MaxAttempts = 5

// Generate возвращает случайный шестизначный код.
func Generate() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// Hash возвращает необратимый хеш кода, привязанный к конкретной доставке.
// Идентификатор доставки участвует в хешировании, поэтому одинаковые коды
// разных доставок дают разные хеши.
func Hash(deliveryID uuid.UUID, code string) string {
	sum := sha256.Sum256([]byte(deliveryID.String() + ":" + code))
	return hex.EncodeToString(sum[:])
}

// IsValidFormat проверяет, что кандидат состоит ровно из шести цифр.
func IsValidFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
