package consulmigrate

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var scriptPattern = regexp.MustCompile(`^(\d{14})-(.+)\.([A-Za-z0-9]+)$`)

// HashScript возвращает SHA-1 содержимого в base64.
// Вход: содержимое скрипта.
// Выход: строка хэша.
// Назначение: защита от повторного запуска изменённого скрипта.
// HashScript returns the base64 SHA-1 of a script's content.
func HashScript(content []byte) string {
	sum := sha1.Sum(content)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ScanScripts читает директорию и возвращает файлы миграций по порядку имён.
// Вход: путь к директории, суффикс файлов-примеров.
// Выход: упорядоченный список ScriptFile, пропущенные примеры, error при IO.
// Назначение: получить детерминированный список для stage/up/verify.
// ScanScripts lists migration scripts in name order.
// Input: directory path, sample suffix.
// Output: ordered ScriptFiles, skipped samples, error on IO.
// Purpose: a deterministic list for stage/up/verify.
func ScanScripts(dir, sampleSuffix string) ([]ScriptFile, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var (
		scripts []ScriptFile
		samples []string
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		match := scriptPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}

		description := strings.TrimSpace(match[2])
		if description == "" {
			return nil, nil, fmt.Errorf("invalid migration name in file: %s", name)
		}
		if sampleSuffix != "" && strings.HasSuffix(description, sampleSuffix) {
			samples = append(samples, name)
			continue
		}

		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		scripts = append(scripts, ScriptFile{
			Version:     match[1],
			Description: description,
			Name:        name,
			Path:        path,
			Hash:        HashScript(content),
		})
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].Name < scripts[j].Name
	})

	return scripts, samples, nil
}

// ReadScript reads the script called name in dir and hashes it.
func ReadScript(dir, name string) (ScriptFile, []byte, error) {
	path := filepath.Join(dir, name)
	content, err := os.ReadFile(path)
	if err != nil {
		return ScriptFile{}, nil, fmt.Errorf("read migration %s: %w", name, err)
	}
	sf := ScriptFile{Name: name, Path: path, Hash: HashScript(content)}
	if match := scriptPattern.FindStringSubmatch(name); match != nil {
		sf.Version, sf.Description = match[1], match[2]
	}
	return sf, content, nil
}

// ScriptDate parses the timestamp prefix of a script name.
func ScriptDate(name string) (string, bool) {
	match := scriptPattern.FindStringSubmatch(name)
	if match == nil {
		return "", false
	}
	return match[1], true
}
