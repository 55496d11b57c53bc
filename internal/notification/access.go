package notification

// CanView は閲覧者が通知を閲覧できるかどうかを返す。
// 取得、既読化、削除のいずれでも同じ判定を使う。
//
// 宛先IDを持つ通知はその利用者だけが閲覧できる。宛先IDを持たない通知は
// 宛先ロールの一致、intendedRoleが無いか閲覧者のロールと一致するall宛て、
// 管理者向けの控え（intendedRole=admin）のいずれかで閲覧できる。
func CanView(n *Notification, viewer Identity) bool {
	if n == nil || viewer.ID == "" {
		return false
	}
	if n.ReceiverID != nil {
		return *n.ReceiverID == viewer.ID
	}

	intended := n.Metadata.IntendedRole()
	if n.ReceiverRole == viewer.Role {
		return true
	}
	if n.ReceiverRole == RoleAll && (intended == "" || intended == viewer.Role) {
		return true
	}
	// intendedRoleにadmin以外の値が追加された場合も管理者は閲覧できる
	return viewer.Role == RoleAdmin && intended == RoleAdmin
}

// CanDelete は閲覧者が通知を削除できるかどうかを返す。
// 閲覧できる通知に加え、管理者はすべての通知を削除できる。
func CanDelete(n *Notification, viewer Identity) bool {
	if n == nil {
		return false
	}
	return CanView(n, viewer) || (viewer.ID != "" && viewer.Role == RoleAdmin)
}
