package memory

import (
	"time"

	"github.com/hitoshi/authcore/internal/model"
)

// SeedDefaults はマイグレーション 000001 と同じ初期データを投入する。
// 権限 ROLE_ADMIN / ROLE_USER と、system / anonymoususer / admin / user の4アカウント。
func (s *Store) SeedDefaults(now time.Time) {
	s.SetAuthorities(model.AuthorityAdmin, model.AuthorityUser)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range defaultAccounts(now) {
		s.accounts[a.ID] = a
	}
}

func defaultAccounts(now time.Time) []*model.Account {
	seed := func(id, login, hash, first, last string, authorities ...string) *model.Account {
		createdBy := model.SystemAccount
		return &model.Account{
			ID:             id,
			Login:          login,
			PasswordHash:   hash,
			FirstName:      first,
			LastName:       last,
			Email:          login + "@localhost",
			LangKey:        model.DefaultLangKey,
			Activated:      true,
			Authorities:    authorities,
			CreatedBy:      createdBy,
			CreatedAt:      now,
			LastModifiedBy: createdBy,
			LastModifiedAt: now,
		}
	}

	anonymous := seed("00000000-0000-0000-0000-000000000001", model.AnonymousUser,
		"$2a$10$j8S5d7Sr7.8VTOYNviDPOeWX8KcYILUVJBsYV83Y5NtECayypx9lO", "Anonymous", "User")
	anonymous.Email = "anonymous@localhost"

	return []*model.Account{
		seed("00000000-0000-0000-0000-000000000000", model.SystemAccount,
			"$2a$10$mE.qmcV0mFU5NcKh73TZx.z4ueI/.bDWbj0T1BYyqP481kGGarKLG", "", "System",
			model.AuthorityAdmin, model.AuthorityUser),
		anonymous,
		seed("00000000-0000-0000-0000-000000000002", "admin",
			"$2a$10$gSAhZrxMllrbgj/kkK9UceBPpChGWJA7SYIb1Mqo.n5aNLq1/oRrC", "admin", "Administrator",
			model.AuthorityAdmin, model.AuthorityUser),
		seed("00000000-0000-0000-0000-000000000003", "user",
			"$2a$10$VEjxo0jq2YG9Rbk2HmX9S.k1uZBGYUHdUcid3g/vfiEl7lwWgOH/K", "", "User",
			model.AuthorityUser),
	}
}
