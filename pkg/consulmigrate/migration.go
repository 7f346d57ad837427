package consulmigrate

import (
	"fmt"
	"strings"
	"time"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Status это состояние записи о миграции.
// Status is the lifecycle state of a migration record.
type Status int

const (
	// StatusDeleted: миграция откачена, переходов из этого состояния нет.
	// StatusDeleted means the migration was rolled back; it is terminal.
	StatusDeleted Status = -1
	// StatusPending: миграция подготовлена и ждёт up.
	// StatusPending means the migration is staged and waiting for up.
	StatusPending Status = 0
	// StatusFailed: up или down завершились ошибкой.
	// StatusFailed means up or down returned an error.
	StatusFailed Status = 1
	// StatusCompleted: up выполнен успешно.
	// StatusCompleted means up succeeded.
	StatusCompleted Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusDeleted:
		return "deleted"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus разбирает имя статуса или его число.
// Вход: строка вида "failed" или "1".
// Выход: Status или error.
// Назначение: флаги CLI вроде --status.
// ParseStatus parses a status name or its number.
// Input: string such as "failed" or "1".
// Output: Status or error.
// Purpose: CLI flags such as --status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deleted", "-1":
		return StatusDeleted, nil
	case "pending", "0":
		return StatusPending, nil
	case "failed", "1":
		return StatusFailed, nil
	case "completed", "success", "2":
		return StatusCompleted, nil
	}
	return 0, merrors.New(merrors.EInvalidOperation, "unknown status %q", s)
}

// Record описывает одну отслеживаемую миграцию.
// Назначение: единица хранения для всех репозиториев.
// Record describes one tracked migration.
// Purpose: the unit of persistence for every repository.
type Record struct {
	Name            string     `json:"name" bson:"name" db:"name"`
	Hash            string     `json:"hash,omitempty" bson:"hash,omitempty" db:"hash"`
	Status          Status     `json:"status" bson:"status" db:"status"`
	DateAdded       time.Time  `json:"date_added" bson:"date_added" db:"date_added"`
	DateApplied     *time.Time `json:"date_applied,omitempty" bson:"date_applied,omitempty" db:"date_applied"`
	DateLastChanged *time.Time `json:"date_last_changed,omitempty" bson:"date_last_changed,omitempty" db:"date_last_changed"`
	ScriptAuthor    string     `json:"script_author,omitempty" bson:"script_author,omitempty" db:"script_author"`
	ChangedBy       string     `json:"changed_by,omitempty" bson:"changed_by,omitempty" db:"changed_by"`
}

// LastChanged возвращает время последнего изменения или добавления.
// LastChanged returns the last change time, falling back to the add time.
func (r *Record) LastChanged() time.Time {
	if r.DateLastChanged != nil {
		return *r.DateLastChanged
	}
	return r.DateAdded
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.DateApplied != nil {
		t := *r.DateApplied
		c.DateApplied = &t
	}
	if r.DateLastChanged != nil {
		t := *r.DateLastChanged
		c.DateLastChanged = &t
	}
	return &c
}

// Backup это снимок значения ключа.
// Назначение: append-only история для restore.
// Backup is a point-in-time copy of a key's value.
// Purpose: append-only history for restore.
type Backup struct {
	Key   string
	Value []byte
	Date  time.Time
}

// ScriptFile описывает файл миграции на диске.
// Назначение: хранить имя, путь и хэш содержимого.
// ScriptFile describes a migration script on disk.
// Purpose: hold its name, path and content hash.
type ScriptFile struct {
	// Version is the 14 digit timestamp prefix.
	Version     string
	Description string
	// Name is the file name; it is the record name.
	Name string
	Path string
	Hash string
}
