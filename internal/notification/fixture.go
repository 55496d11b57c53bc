package notification

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Fixture は利用者台帳と車両割り当ての初期データ。
type Fixture struct {
	Users    []User           `yaml:"users"`
	Vehicles []VehicleFixture `yaml:"vehicles"`
}

// VehicleFixture は車両と担当ドライバー、割り当てる生徒。
type VehicleFixture struct {
	ID        string   `yaml:"id"`
	Number    string   `yaml:"number"`
	RouteName string   `yaml:"routeName"`
	DriverID  string   `yaml:"driverId"`
	Students  []string `yaml:"students"`
}

// DecodeFixture はYAMLから初期データを読み込む。未知のキーはエラーにする。
func DecodeFixture(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("初期データのデコードに失敗: %w", err)
	}
	return &f, nil
}

// Apply は初期データを台帳に登録する。ドライバーと生徒は利用者として登録済みである必要がある。
func (f *Fixture) Apply(ctx context.Context, dir *SQLDirectory) error {
	roles := make(map[string]Role, len(f.Users))
	for _, u := range f.Users {
		if err := dir.UpsertUser(ctx, u); err != nil {
			return err
		}
		roles[u.ID] = u.Role
	}

	for _, v := range f.Vehicles {
		if v.DriverID != "" && roles[v.DriverID] != RoleDriver {
			return fmt.Errorf("車両 %s の担当 %s はドライバーとして登録されていません", v.ID, v.DriverID)
		}
		if err := dir.UpsertVehicle(ctx, Vehicle{ID: v.ID, Number: v.Number, RouteName: v.RouteName}, v.DriverID); err != nil {
			return err
		}
		for _, s := range v.Students {
			if roles[s] != RoleStudent {
				return fmt.Errorf("車両 %s の %s は生徒として登録されていません", v.ID, s)
			}
			if err := dir.AssignStudent(ctx, v.ID, s); err != nil {
				return err
			}
		}
	}
	return nil
}
