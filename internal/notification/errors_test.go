package notification

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nilは空", nil, ""},
		{"検証エラー", validationError("タイトルは必須です"), CodeValidation},
		{"未検出", notFoundError("通知が見つかりません"), CodeNotFound},
		{"権限なし", forbiddenError("権限がありません"), CodeForbidden},
		{"内部エラー", internalError("保存に失敗しました", cause), CodeInternal},
		{"ラップされた分類付きエラー", fmt.Errorf("wrap: %w", forbiddenError("x")), CodeForbidden},
		{"分類されていないエラーは内部エラー", cause, CodeInternal},
		{"部分失敗", &PartialFailureError{Total: 2, Err: internalError("保存に失敗しました", cause)}, CodePartialFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	t.Run("内部エラーは原因を保持しメッセージに含めないこと", func(t *testing.T) {
		t.Parallel()
		err := internalError("通知の取得に失敗しました", cause)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "通知の取得に失敗しました", err.Message)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("部分失敗は原因と件数を保持すること", func(t *testing.T) {
		t.Parallel()
		err := &PartialFailureError{Created: []*Notification{{ID: "n-1"}}, Total: 3, Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "1/3")
	})

	t.Run("書式指定子を含むメッセージをそのまま保持すること", func(t *testing.T) {
		t.Parallel()
		err := validationError("種類が不正です: %q", "100%")
		assert.Equal(t, `種類が不正です: "100%"`, err.Message)
	})
}
