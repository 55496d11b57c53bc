package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLDirectory はSQLiteの利用者台帳と車両割り当てを参照する。
// UserDirectoryとFleetDirectoryの両方を実装する。
type SQLDirectory struct {
	db *sqlx.DB
}

var (
	_ UserDirectory  = (*SQLDirectory)(nil)
	_ FleetDirectory = (*SQLDirectory)(nil)
)

// NewSQLDirectory は新しいSQLDirectoryを生成する。
func NewSQLDirectory(db *sqlx.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// FindUser はIDで利用者を取得する。
func (d *SQLDirectory) FindUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := d.db.GetContext(ctx, &u, "SELECT id, name, role FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("利用者の取得に失敗: %w", err)
	}
	return &u, nil
}

// FindVehicleByDriver はドライバーの担当車両を取得する。
func (d *SQLDirectory) FindVehicleByDriver(ctx context.Context, driverID string) (*Vehicle, error) {
	var v Vehicle
	err := d.db.GetContext(ctx, &v,
		"SELECT id, number, route_name FROM vehicles WHERE driver_id = ?", driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("担当車両の取得に失敗: %w", err)
	}
	return &v, nil
}

// FindStudentsByVehicle は車両に割り当てられた生徒をID順に返す。
// 利用者台帳に生徒として登録されていない割り当ては無視する。
func (d *SQLDirectory) FindStudentsByVehicle(ctx context.Context, vehicleID string) ([]Student, error) {
	students := []Student{}
	err := d.db.SelectContext(ctx, &students, `
		SELECT u.id, u.name
		FROM vehicle_students vs
		JOIN users u ON u.id = vs.student_id AND u.role = 'student'
		WHERE vs.vehicle_id = ?
		ORDER BY u.id`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("車両の生徒一覧の取得に失敗: %w", err)
	}
	return students, nil
}

// UpsertUser は利用者を登録または更新する。
func (d *SQLDirectory) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" || !u.Role.IsUserRole() {
		return fmt.Errorf("利用者のIDまたはロールが不正です: id=%q role=%q", u.ID, u.Role)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, string(u.Role))
	if err != nil {
		return fmt.Errorf("利用者の登録に失敗: %w", err)
	}
	return nil
}

// UpsertVehicle は車両と担当ドライバーを登録または更新する。driverIDが空の場合は担当なしとする。
func (d *SQLDirectory) UpsertVehicle(ctx context.Context, v Vehicle, driverID string) error {
	if v.ID == "" {
		return errors.New("車両IDが空です")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO vehicles (id, number, route_name, driver_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number, route_name = excluded.route_name, driver_id = excluded.driver_id`,
		v.ID, v.Number, v.RouteName, nullString(driverID))
	if err != nil {
		return fmt.Errorf("車両の登録に失敗: %w", err)
	}
	return nil
}

// AssignStudent は生徒を車両に割り当てる。割り当て済みの場合は何もしない。
func (d *SQLDirectory) AssignStudent(ctx context.Context, vehicleID, studentID string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO vehicle_students (vehicle_id, student_id) VALUES (?, ?)",
		vehicleID, studentID)
	if err != nil {
		return fmt.Errorf("生徒の割り当てに失敗: %w", err)
	}
	return nil
}
