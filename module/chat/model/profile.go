package model

// Profile 用户公开资料
type Profile struct {
	ID        string  `db:"id" json:"id"`
	Username  *string `db:"username" json:"username"`
	FullName  *string `db:"full_name" json:"fullName"`
	AvatarURL *string `db:"avatar_url" json:"avatarUrl"`
	Status    *string `db:"status" json:"status"`
}

func (p *Profile) TableName() string { return "profiles" }

// DisplayName username > full_name > fallback
func (p *Profile) DisplayName(fallback string) string {
	if p == nil {
		return fallback
	}
	if p.Username != nil && *p.Username != "" {
		return *p.Username
	}
	if p.FullName != nil && *p.FullName != "" {
		return *p.FullName
	}
	return fallback
}
