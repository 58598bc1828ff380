// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	minCodeLen = 4
	maxCodeLen = 64
)

// NormalizeCode приводит промокод к каноническому виду: пробелы по краям
// убираются, буквы переводятся в верхний регистр.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode проверяет синтаксис промокода: латинские буквы, цифры и дефис,
// длина от 4 до 64 символов. Код должен быть предварительно нормализован.
func IsValidCode(code string) bool {
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
		default:
			return false
		}
	}

	return true
}

// IsValidEmail выполняет лёгкую синтаксическую проверку адреса: ровно один
// символ @, непустые локальная часть и домен, в домене есть точка.
// Подлинность адреса подтверждает провайдер идентификации.
func IsValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at != strings.LastIndexByte(email, '@') {
		return false
	}

	domain := email[at+1:]
	if domain == "" || strings.Contains(email, " ") {
		return false
	}

	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
