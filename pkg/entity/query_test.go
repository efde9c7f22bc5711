package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuery_SQL(t *testing.T) {
	q := NewQuery("core_user", "u").
		Select("u.id", "u.login").
		Join("JOIN core_group_user gu ON gu.user_id = u.id AND gu.group_id = ?", 7).
		Where("u.is_locked = ?", false).
		Where("LOWER(u.login) LIKE LOWER(?) OR LOWER(u.name) LIKE LOWER(?)", "%a%", "%b%").
		OrderBy("u.id").
		Limit(10).
		Offset(20)

	query, args := q.SQL()
	assert.Equal(t,
		"SELECT u.id, u.login FROM core_user u"+
			" JOIN core_group_user gu ON gu.user_id = u.id AND gu.group_id = $1"+
			" WHERE (u.is_locked = $2) AND (LOWER(u.login) LIKE LOWER($3) OR LOWER(u.name) LIKE LOWER($4))"+
			" ORDER BY u.id LIMIT 10 OFFSET 20",
		query)
	assert.Equal(t, []interface{}{7, false, "%a%", "%b%"}, args)

	count, countArgs := q.CountSQL()
	assert.Equal(t,
		"SELECT COUNT(*) FROM core_user u"+
			" JOIN core_group_user gu ON gu.user_id = u.id AND gu.group_id = $1"+
			" WHERE (u.is_locked = $2) AND (LOWER(u.login) LIKE LOWER($3) OR LOWER(u.name) LIKE LOWER($4))",
		count)
	assert.Equal(t, args, countArgs)
}

func TestQuery_OffsetWithoutLimit(t *testing.T) {
	query, args := NewQuery("core_group", "g").Select("g.id").Offset(5).SQL()
	assert.Equal(t, "SELECT g.id FROM core_group g LIMIT 9223372036854775807 OFFSET 5", query)
	assert.Empty(t, args)
}

func TestQuery_CloneIsIndependent(t *testing.T) {
	base := NewQuery("core_project", "p").Select("p.id").Where("p.root_group_id = ?", 1)
	clone := base.Clone().Where("p.alias = ?", "c022")

	baseSQL, baseArgs := base.SQL()
	cloneSQL, cloneArgs := clone.SQL()
	assert.Equal(t, "SELECT p.id FROM core_project p WHERE (p.root_group_id = $1)", baseSQL)
	assert.Len(t, baseArgs, 1)
	assert.Contains(t, cloneSQL, "AND (p.alias = $2)")
	assert.Len(t, cloneArgs, 2)
	assert.Equal(t, base.Fingerprint(), clone.Fingerprint())
}

func TestQuery_Fingerprint(t *testing.T) {
	a := NewQuery("core_user", "u").Select("u.id", "u.login")
	b := NewQuery("core_user", "u").Select("u.id", "u.name")
	assert.Equal(t, "core_user u:u.id,u.login", a.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
