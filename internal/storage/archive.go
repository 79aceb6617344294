// Package storage 基于SQLite的弹幕归档: 弹幕ID集合、完整弹幕记录以及二分查找使用的日期标记
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// ArchiveFilename 每个目标的数据库文件名
const ArchiveFilename = "archive.db"

// Archive 单个目标的弹幕归档
// 同一时间只允许该目标的爬取循环写入
type Archive struct {
	db   *sql.DB
	path string
}

// ArchivePath 返回目标的数据库路径
func ArchivePath(dataDir string, targetID int64) string {
	return filepath.Join(models.TargetDir(dataDir, targetID), ArchiveFilename)
}

// Open 打开或创建归档数据库
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &Archive{db: db, path: path}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return a, nil
}

// OpenReadOnly 只读打开已存在的归档 (导出使用)
func OpenReadOnly(path string) (*Archive, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive not found: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Archive{db: db, path: path}, nil
}

// Close 关闭数据库
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path 数据库文件路径
func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS comment_ids (
		id INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY,
		progress INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		fontsize INTEGER NOT NULL,
		color INTEGER NOT NULL,
		mid_hash TEXT NOT NULL,
		content TEXT NOT NULL,
		ctime INTEGER NOT NULL,
		weight INTEGER NOT NULL,
		action TEXT NOT NULL,
		pool INTEGER NOT NULL,
		id_str TEXT NOT NULL,
		attr INTEGER NOT NULL,
		animation TEXT NOT NULL DEFAULT '',
		colorful INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_comments_ctime ON comments(ctime);

	CREATE TABLE IF NOT EXISTS day_markers (
		day TEXT PRIMARY KEY,
		marker INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		seq INTEGER NOT NULL,
		state TEXT NOT NULL
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// ContainsID 弹幕ID是否已存在
func (a *Archive) ContainsID(id int64) (bool, error) {
	var one int
	err := a.db.QueryRow(`SELECT 1 FROM comment_ids WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query id: %w", err)
	}
	return true, nil
}

// LoadIDs 读取全部弹幕ID (爬取开始时载入内存)
func (a *Archive) LoadIDs() (map[int64]struct{}, error) {
	rows, err := a.db.Query(`SELECT id FROM comment_ids`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// InsertIDs 批量写入弹幕ID, 已存在的忽略
func (a *Archive) InsertIDs(ids []int64) error {
	return a.withTx(func(tx *sql.Tx) error {
		return insertIDs(tx, ids)
	})
}

// InsertRecords 批量写入弹幕记录, 已存在的ID忽略 (不会覆盖)
func (a *Archive) InsertRecords(records []models.CommentRecord) error {
	return a.withTx(func(tx *sql.Tx) error {
		return insertRecords(tx, records)
	})
}

// Ingest 在同一事务中写入ID、记录与入库后的任务进度
// cp 为 nil 时不更新检查点
func (a *Archive) Ingest(records []models.CommentRecord, cp *models.TaskState) error {
	if len(records) == 0 && cp == nil {
		return nil
	}
	ids := make([]int64, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}

	var state []byte
	if cp != nil {
		var err error
		if state, err = json.Marshal(cp); err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
	}

	return a.withTx(func(tx *sql.Tx) error {
		if err := insertIDs(tx, ids); err != nil {
			return err
		}
		if err := insertRecords(tx, records); err != nil {
			return err
		}
		if cp == nil {
			return nil
		}
		_, err := tx.Exec(`
		INSERT INTO checkpoint (id, seq, state) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, state = excluded.state`,
			cp.Checkpoint, string(state))
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint 读取最近一次入库时的任务进度, 没有时返回nil
func (a *Archive) LoadCheckpoint() (*models.TaskState, error) {
	var state string
	err := a.db.QueryRow(`SELECT state FROM checkpoint WHERE id = 1`).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}

	var cp models.TaskState
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func insertIDs(tx *sql.Tx, ids []int64) error {
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO comment_ids (id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare id insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("insert id %d: %w", id, err)
		}
	}
	return nil
}

func insertRecords(tx *sql.Tx, records []models.CommentRecord) error {
	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO comments (
		id, progress, mode, fontsize, color, mid_hash, content, ctime,
		weight, action, pool, id_str, attr, animation, colorful
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.Exec(
			r.ID, r.Progress, r.Mode, r.FontSize, r.Color, r.MidHash, r.Content, r.Ctime,
			r.Weight, r.Action, r.Pool, r.IDStr, r.Attr, r.Animation, r.Colorful,
		); err != nil {
			return fmt.Errorf("insert record %d: %w", r.ID, err)
		}
	}
	return nil
}

func (a *Archive) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ForEachRecord 按发送时间顺序遍历全部记录
func (a *Archive) ForEachRecord(fn func(r *models.CommentRecord) error) error {
	rows, err := a.db.Query(`
	SELECT id, progress, mode, fontsize, color, mid_hash, content, ctime,
		weight, action, pool, id_str, attr, animation, colorful
	FROM comments ORDER BY ctime, id`)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.CommentRecord
		if err := rows.Scan(
			&r.ID, &r.Progress, &r.Mode, &r.FontSize, &r.Color, &r.MidHash, &r.Content, &r.Ctime,
			&r.Weight, &r.Action, &r.Pool, &r.IDStr, &r.Attr, &r.Animation, &r.Colorful,
		); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AllRecords 返回全部记录
func (a *Archive) AllRecords() ([]models.CommentRecord, error) {
	var out []models.CommentRecord
	err := a.ForEachRecord(func(r *models.CommentRecord) error {
		out = append(out, *r)
		return nil
	})
	return out, err
}

// LatestSendTime 最新一条弹幕的发送时间, 空库返回0
func (a *Archive) LatestSendTime() (int64, error) {
	var ts sql.NullInt64
	if err := a.db.QueryRow(`SELECT MAX(ctime) FROM comments`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("query latest ctime: %w", err)
	}
	return ts.Int64, nil
}

// Count 记录总数
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM comments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Marker 读取某日的标记
func (a *Archive) Marker(day time.Time) (models.DayMarker, error) {
	var m int
	err := a.db.QueryRow(`SELECT marker FROM day_markers WHERE day = ?`, models.FormatDay(day)).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MarkerUnknown, nil
	}
	if err != nil {
		return models.MarkerUnknown, fmt.Errorf("query marker: %w", err)
	}
	return models.DayMarker(m), nil
}

// SetMarker 写入某日的标记
func (a *Archive) SetMarker(day time.Time, m models.DayMarker) error {
	_, err := a.db.Exec(`
	INSERT INTO day_markers (day, marker) VALUES (?, ?)
	ON CONFLICT(day) DO UPDATE SET marker = excluded.marker`,
		models.FormatDay(day), int(m))
	if err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}
