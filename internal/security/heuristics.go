// Package security содержит эвристики для выявления подозрительных запросов.
package security

import "strings"

// Флаги, выставляемые эвристиками. Попадают в metadata события аудита
// и поднимают его серьёзность минимум до warning.
const (
	FlagSuspiciousEmailPattern = "suspicious_email_pattern"
	FlagMultipleCodesAttempted = "multiple_codes_attempted"
)

// Analyze выполняет чистый детерминированный анализ формы запроса на вход
// и возвращает список флагов подозрительности. Пустой список означает,
// что запрос выглядит обычным.
func Analyze(email, promoCode, vipCode string) []string {
	var flags []string

	// Более одного сегмента с "+" в локальной части — признак перебора
	// одноразовых адресов одним владельцем ящика.
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	if strings.Count(local, "+") > 1 {
		flags = append(flags, FlagSuspiciousEmailPattern)
	}

	if promoCode != "" && vipCode != "" {
		flags = append(flags, FlagMultipleCodesAttempted)
	}

	return flags
}
