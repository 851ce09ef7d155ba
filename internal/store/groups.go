package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GroupFilter selects which groups a listing returns.
type GroupFilter string

const (
	FilterAll           GroupFilter = "all"
	FilterExact         GroupFilter = "exact"
	FilterNear          GroupFilter = "near"
	FilterSafeOnly      GroupFilter = "safe_only"
	FilterWithConflicts GroupFilter = "with_conflicts"
)

// GroupSummary is a group row plus aggregate member counts, the shape the
// API returns.
type GroupSummary struct {
	Group
	MemberCount    int
	SafeDuplicates int
	OriginalFileID int64
	OriginalPath   string
}

// Membership returns file-id → group-id for every current group member.
// Grouping uses it to keep group ids stable across runs.
func (s *Store) Membership() (map[int64]int64, error) {
	rows, err := s.db.Query(`SELECT file_id, group_id FROM group_members`)
	if err != nil {
		return nil, fmt.Errorf("membership: %w", err)
	}
	defer rows.Close()

	m := make(map[int64]int64)
	for rows.Next() {
		var fileID, groupID int64
		if err := rows.Scan(&fileID, &groupID); err != nil {
			return nil, fmt.Errorf("membership scan: %w", err)
		}
		m[fileID] = groupID
	}
	return m, rows.Err()
}

// AllGroupIDs returns every group id currently persisted.
func (s *Store) AllGroupIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("all group ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("all group ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertGroup writes a group and its full member set in one transaction.
// A zero group id creates a new group and returns its id; a non-zero id
// rewrites the existing group, preserving created_at. Members not present in
// the given set are removed.
func (s *Store) UpsertGroup(groupID int64, tier GroupTier, confidence float64, members []Member) (int64, error) {
	now := timeToNS(time.Now())
	err := s.InTx(func(tx *sql.Tx) error {
		if groupID == 0 {
			res, err := tx.Exec(`
				INSERT INTO groups (tier, confidence, created_at, updated_at)
				VALUES (?, ?, ?, ?)`,
				string(tier), confidence, now, now)
			if err != nil {
				return fmt.Errorf("insert group: %w", err)
			}
			groupID, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert group id: %w", err)
			}
		} else {
			if _, err := tx.Exec(`
				UPDATE groups SET tier = ?, confidence = ?, updated_at = ?
				WHERE id = ?`,
				string(tier), confidence, now, groupID); err != nil {
				return fmt.Errorf("update group %d: %w", groupID, err)
			}
			if _, err := tx.Exec(
				`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
				return fmt.Errorf("clear members %d: %w", groupID, err)
			}
		}

		stmt, err := tx.Prepare(`
			INSERT INTO group_members (group_id, file_id, role, similarity, note)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert member: %w", err)
		}
		defer stmt.Close()
		for _, m := range members {
			if _, err := stmt.Exec(groupID, m.FileID, string(m.Role),
				m.Similarity, strToSQL(m.Note)); err != nil {
				return fmt.Errorf("insert member (%d,%d): %w", groupID, m.FileID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return groupID, nil
}

// PrepareRegroup deletes the stale groups and detaches every file about to be
// regrouped, in one transaction. Running it before the new groups are written
// keeps the unique file-membership index from colliding when files merge into
// or migrate between groups.
func (s *Store) PrepareRegroup(staleGroups, fileIDs []int64) error {
	if len(staleGroups) == 0 && len(fileIDs) == 0 {
		return nil
	}
	return s.InTx(func(tx *sql.Tx) error {
		if len(staleGroups) > 0 {
			stmt, err := tx.Prepare(`DELETE FROM groups WHERE id = ?`)
			if err != nil {
				return fmt.Errorf("prepare delete stale group: %w", err)
			}
			defer stmt.Close()
			for _, id := range staleGroups {
				if _, err := stmt.Exec(id); err != nil {
					return fmt.Errorf("delete stale group %d: %w", id, err)
				}
			}
		}
		if len(fileIDs) > 0 {
			stmt, err := tx.Prepare(`DELETE FROM group_members WHERE file_id = ?`)
			if err != nil {
				return fmt.Errorf("prepare detach member: %w", err)
			}
			defer stmt.Close()
			for _, id := range fileIDs {
				if _, err := stmt.Exec(id); err != nil {
					return fmt.Errorf("detach member %d: %w", id, err)
				}
			}
		}
		return nil
	})
}

// PruneEmptyGroups deletes groups left with fewer than two members whose
// file is still active, and returns how many were removed.
func (s *Store) PruneEmptyGroups() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM groups WHERE id IN (
			SELECT g.id FROM groups g
			LEFT JOIN group_members m ON m.group_id = g.id
			LEFT JOIN files f ON f.id = m.file_id AND f.status = 'active'
			GROUP BY g.id
			HAVING COUNT(f.id) < 2
		)`)
	if err != nil {
		return 0, fmt.Errorf("prune empty groups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GroupByID returns a single group row.
func (s *Store) GroupByID(id int64) (Group, error) {
	row := s.db.QueryRow(
		`SELECT id, tier, confidence, created_at, updated_at FROM groups WHERE id = ?`, id)
	var (
		g         Group
		tier      string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&g.ID, &tier, &g.Confidence, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("group by id %d: %w", id, err)
	}
	g.Tier = GroupTier(tier)
	g.CreatedAt = timeFromNS(createdAt)
	g.UpdatedAt = timeFromNS(updatedAt)
	return g, nil
}

// MembersByGroup returns the full membership of one group.
func (s *Store) MembersByGroup(groupID int64) ([]Member, error) {
	rows, err := s.db.Query(`
		SELECT group_id, file_id, role, similarity, note
		FROM group_members WHERE group_id = ? ORDER BY file_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("members by group %d: %w", groupID, err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

// AllMembers returns every group's membership keyed by group id.
func (s *Store) AllMembers() (map[int64][]Member, error) {
	rows, err := s.db.Query(`
		SELECT group_id, file_id, role, similarity, note
		FROM group_members ORDER BY group_id, file_id`)
	if err != nil {
		return nil, fmt.Errorf("all members: %w", err)
	}
	defer rows.Close()

	members, err := collectMembers(rows)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[int64][]Member)
	for _, m := range members {
		byGroup[m.GroupID] = append(byGroup[m.GroupID], m)
	}
	return byGroup, nil
}

func collectMembers(rows *sql.Rows) ([]Member, error) {
	var out []Member
	for rows.Next() {
		var (
			m    Member
			role string
			note sql.NullString
		)
		if err := rows.Scan(&m.GroupID, &m.FileID, &role, &m.Similarity, &note); err != nil {
			return nil, fmt.Errorf("member scan: %w", err)
		}
		m.Role = Role(role)
		m.Note = nullStr(note)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMemberRole rewrites one member's role and note. Escalation uses it
// for duplicate → safe_duplicate promotions and demotions.
func (s *Store) UpdateMemberRole(groupID, fileID int64, role Role, note string) error {
	_, err := s.db.Exec(`
		UPDATE group_members SET role = ?, note = ?
		WHERE group_id = ? AND file_id = ?`,
		string(role), strToSQL(note), groupID, fileID)
	if err != nil {
		return fmt.Errorf("update member role (%d,%d): %w", groupID, fileID, err)
	}
	return nil
}

// ListGroups returns group summaries matching the filter, ordered by id.
func (s *Store) ListGroups(filter GroupFilter, limit, offset int) ([]GroupSummary, int, error) {
	where := "1=1"
	switch filter {
	case FilterAll, "":
	case FilterExact:
		where = "g.tier = 'exact'"
	case FilterNear:
		where = "g.tier = 'near'"
	case FilterSafeOnly:
		where = `EXISTS (SELECT 1 FROM group_members sm
		         WHERE sm.group_id = g.id AND sm.role = 'safe_duplicate')`
	case FilterWithConflicts:
		where = `EXISTS (SELECT 1 FROM manual_overrides mo
		         WHERE mo.group_id = g.id AND mo.is_active = 1
		           AND mo.original_file_id <> mo.auto_original_id)`
	default:
		return nil, 0, fmt.Errorf("unknown group filter %q", filter)
	}

	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM groups g WHERE ` + where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list groups count: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT g.id, g.tier, g.confidence, g.created_at, g.updated_at,
		       (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.id),
		       (SELECT COUNT(*) FROM group_members m
		        WHERE m.group_id = g.id AND m.role = 'safe_duplicate'),
		       o.file_id, f.path
		FROM groups g
		JOIN group_members o ON o.group_id = g.id AND o.role = 'original'
		JOIN files f ON f.id = o.file_id
		WHERE `+where+`
		ORDER BY g.id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupSummary
	for rows.Next() {
		var (
			gs        GroupSummary
			tier      string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&gs.ID, &tier, &gs.Confidence, &createdAt, &updatedAt,
			&gs.MemberCount, &gs.SafeDuplicates,
			&gs.OriginalFileID, &gs.OriginalPath); err != nil {
			return nil, 0, fmt.Errorf("list groups scan: %w", err)
		}
		gs.Tier = GroupTier(tier)
		gs.CreatedAt = timeFromNS(createdAt)
		gs.UpdatedAt = timeFromNS(updatedAt)
		out = append(out, gs)
	}
	return out, total, rows.Err()
}
