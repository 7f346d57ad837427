package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// version содержит текущую версию CLI.
// Назначение: показывать версию в команде version.
// version holds the current CLI version.
// Purpose: print version in the version command.
var version = "0.2.0"

// main собирает команды и запускает выбранную.
// Вход: аргументы командной строки.
// Выход: код завершения 0 при успехе, 1 при любой ошибке.
// Назначение: точка входа migrate-consul.
// main builds the commands and runs the selected one.
// Input: command-line arguments.
// Output: exit code 0 on success, 1 on any reported failure.
// Purpose: migrate-consul entry point.
func main() {
	a := newApp(os.Stdout, os.Stderr)
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// pickEnv возвращает env значение или fallback.
// Вход: имя переменной и fallback.
// Выход: строка.
// Назначение: единый приоритет env над флагами.
// pickEnv returns env value or fallback.
// Input: variable name and fallback.
// Output: string.
// Purpose: unify env-over-flags priority.
func pickEnv(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// buildPostgresDSNFromEnv строит DSN из POSTGRES_*.
// Вход: env переменные POSTGRES_*.
// Выход: строка DSN или пустая строка.
// Назначение: позволить подключаться без прямого DSN.
// buildPostgresDSNFromEnv builds a DSN from POSTGRES_*.
// Input: POSTGRES_* env variables.
// Output: DSN string or empty.
// Purpose: allow connecting without explicit DSN.
func buildPostgresDSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")

	if host == "" || user == "" || db == "" {
		return ""
	}
	if port == "" {
		port = "5432"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}

	if password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, db)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", user, host, port, db)
}
