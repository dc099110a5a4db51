package prefs

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// preference строка таблицы настроек
type preference struct {
	Key       string `gorm:"column:pref_key;type:varchar(128);primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (preference) TableName() string { return "preferences" }

// SQLStore настройки в SQLite
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore открывает базу по пути path и создает таблицу настроек
func OpenSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("не задан путь к базе настроек")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", path)
	}
	if err := db.AutoMigrate(&preference{}); err != nil {
		return nil, pkgerrors.Wrap(err, "migrate preferences")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(key string) (string, bool, error) {
	var p preference
	err := s.db.Where("pref_key = ?", key).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "get %s", key)
	}
	return p.Value, true, nil
}

// Set сохраняет значение, перезаписывая существующее
func (s *SQLStore) Set(key, value string) error {
	p := preference{Key: key, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pref_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&p).Error
	return pkgerrors.Wrapf(err, "set %s", key)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
