package notification

import (
	"math"
	"strings"
)

// Filter は閲覧者が閲覧できる通知の集合を表す。
// CanViewと同じ条件から組み立て、メモリ上の判定とSQLの両方で使う。
type Filter struct {
	ViewerID   string
	ViewerRole Role
	// AdminCopies は管理者向けの控えを含めるかどうか。閲覧者が管理者の場合のみtrue。
	AdminCopies bool
}

// ListFilter は閲覧者向けのフィルタを返す。
func ListFilter(viewer Identity) Filter {
	return Filter{
		ViewerID:    viewer.ID,
		ViewerRole:  viewer.Role,
		AdminCopies: viewer.Role == RoleAdmin,
	}
}

// Matches は通知がフィルタに一致するかどうかを返す。
func (f Filter) Matches(n *Notification) bool {
	if n == nil || f.ViewerID == "" {
		return false
	}
	if n.ReceiverID != nil {
		return *n.ReceiverID == f.ViewerID
	}
	intended := n.Metadata.IntendedRole()
	switch {
	case n.ReceiverRole == f.ViewerRole:
		return true
	case n.ReceiverRole == RoleAll && intended == "":
		return true
	case n.ReceiverRole == RoleAll && intended == f.ViewerRole:
		return true
	case f.AdminCopies && intended == RoleAdmin:
		return true
	}
	return false
}

// where はフィルタをSQLのWHERE句に変換する。intended_role列はmetadata.intendedRoleの複製。
func (f Filter) where() (string, []any) {
	clauses := []string{
		"receiver_role = ?",
		"(receiver_role = 'all' AND (intended_role IS NULL OR intended_role = ?))",
	}
	args := []any{f.ViewerID, string(f.ViewerRole), string(f.ViewerRole)}
	if f.AdminCopies {
		clauses = append(clauses, "intended_role = 'admin'")
	}
	return "(receiver_id = ? OR (receiver_id IS NULL AND (" + strings.Join(clauses, " OR ") + ")))", args
}

// ListOptions は一覧取得の条件。
type ListOptions struct {
	// IsRead がnilの場合は既読状態で絞り込まない。
	IsRead   *bool
	Type     Type
	Priority Priority
	Page     int
	Limit    int
}

// normalize はページ番号と件数を補正する。件数は1以上maxLimit以下に丸める。
func (o ListOptions) normalize(defaultLimit, maxLimit int) ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = defaultLimit
	}
	if o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	// オフセットがintに収まるようにページ番号を丸める
	if maxPage := math.MaxInt / o.Limit; o.Page > maxPage {
		o.Page = maxPage
	}
	return o
}

func (o ListOptions) validate() error {
	if o.Type != "" && !o.Type.Valid() {
		return validationError("種類が不正です: %q", o.Type)
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return validationError("優先度が不正です: %q", o.Priority)
	}
	return nil
}

func (o ListOptions) offset() int {
	return (o.Page - 1) * o.Limit
}

// Page は一覧取得の結果。
type Page struct {
	Notifications []*Notification `json:"notifications"`
	Pagination    Pagination      `json:"pagination"`
}

// Pagination はページング情報。
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

func newPagination(opts ListOptions, total int64) Pagination {
	pages := int((total + int64(opts.Limit) - 1) / int64(opts.Limit))
	return Pagination{Page: opts.Page, Limit: opts.Limit, Total: total, TotalPages: pages}
}

// Bucket は集計の1区分。
type Bucket struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
}

// Stats は閲覧者が閲覧できる通知の集計。種類と優先度は全区分を含む。
type Stats struct {
	Total      int64               `json:"total"`
	Unread     int64               `json:"unread"`
	ByType     map[Type]Bucket     `json:"byType"`
	ByPriority map[Priority]Bucket `json:"byPriority"`
}

// newStats は全区分を0で初期化した集計を返す。
func newStats() *Stats {
	s := &Stats{
		ByType:     make(map[Type]Bucket, len(Types)),
		ByPriority: make(map[Priority]Bucket, len(Priorities)),
	}
	for _, t := range Types {
		s.ByType[t] = Bucket{}
	}
	for _, p := range Priorities {
		s.ByPriority[p] = Bucket{}
	}
	return s
}
