package assessment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql. It works unchanged against
// sqlite (offline/dev) and postgres; both drivers accept $n placeholders.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

/* ---------- templates / configs / assignments ---------- */

func (s *SQLStore) CreateTemplate(ctx context.Context, t Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assessment_templates (id,pathway_id,name,type,rubric_json,version,published_at,active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.PathwayID, t.Name, string(t.Type), mustJSON(t.Rubric), t.Version, nullUnix(t.PublishedAt), t.Active)
	return err
}

func (s *SQLStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,pathway_id,name,type,rubric_json,version,published_at,active
		 FROM assessment_templates WHERE id=$1`, id)
	var t Template
	var typ, rubric string
	var pub sql.NullInt64
	if err := row.Scan(&t.ID, &t.PathwayID, &t.Name, &typ, &rubric, &t.Version, &pub, &t.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		return Template{}, err
	}
	t.Type = TemplateType(typ)
	t.PublishedAt = unixPtr(pub)
	if err := json.Unmarshal([]byte(rubric), &t.Rubric); err != nil {
		return Template{}, err
	}
	return t, nil
}

func (s *SQLStore) PutConfig(ctx context.Context, c Config) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assessment_configs (template_id,adaptive_params_json,speaking_params_json,writing_params_json,active)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (template_id) DO UPDATE SET
		   adaptive_params_json=EXCLUDED.adaptive_params_json,
		   speaking_params_json=EXCLUDED.speaking_params_json,
		   writing_params_json=EXCLUDED.writing_params_json,
		   active=EXCLUDED.active`,
		c.TemplateID, mustJSON(c.Adaptive), mustJSON(c.Speaking), mustJSON(c.Writing), c.Active)
	return err
}

func (s *SQLStore) GetConfig(ctx context.Context, templateID string) (Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT template_id,adaptive_params_json,speaking_params_json,writing_params_json,active
		 FROM assessment_configs WHERE template_id=$1`, templateID)
	var c Config
	var ap, sp, wp string
	if err := row.Scan(&c.TemplateID, &ap, &sp, &wp, &c.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, fmt.Errorf("config for template %s: %w", templateID, ErrNotFound)
		}
		return Config{}, err
	}
	if err := json.Unmarshal([]byte(ap), &c.Adaptive); err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal([]byte(sp), &c.Speaking); err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal([]byte(wp), &c.Writing); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (s *SQLStore) SetTemplateItems(ctx context.Context, templateID string, items []TemplateItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_items WHERE template_id=$1`, templateID); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO template_items (template_id,item_id,ord) VALUES ($1,$2,$3)`,
			templateID, it.ItemID, it.Order); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListTemplateItems(ctx context.Context, templateID string) ([]TemplateItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT template_id,item_id,ord FROM template_items WHERE template_id=$1 ORDER BY ord`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TemplateItem
	for rows.Next() {
		var it TemplateItem
		if err := rows.Scan(&it.TemplateID, &it.ItemID, &it.Order); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a AssignedAssessment) error {
	if a.TestTakerType == "" {
		a.TestTakerType = "student"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assigned_assessments (id,template_id,test_taker_id,test_taker_type,assigned_by,assigned_at,due_at,status,notes)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.TemplateID, a.TestTakerID, a.TestTakerType, a.AssignedBy, a.AssignedAt.Unix(), nullUnix(a.DueAt), string(a.Status), a.Notes)
	return err
}

func (s *SQLStore) GetAssignment(ctx context.Context, id string) (AssignedAssessment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,template_id,test_taker_id,test_taker_type,assigned_by,assigned_at,due_at,status,notes
		 FROM assigned_assessments WHERE id=$1`, id)
	a, err := scanAssignment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return AssignedAssessment{}, fmt.Errorf("assignment: %w", ErrNotFound)
	}
	return a, err
}

func scanAssignment(scan func(...any) error) (AssignedAssessment, error) {
	var a AssignedAssessment
	var assignedBy, notes sql.NullString
	var assignedAt int64
	var due sql.NullInt64
	var status string
	if err := scan(&a.ID, &a.TemplateID, &a.TestTakerID, &a.TestTakerType, &assignedBy, &assignedAt, &due, &status, &notes); err != nil {
		return AssignedAssessment{}, err
	}
	a.AssignedBy = assignedBy.String
	a.Notes = notes.String
	a.AssignedAt = time.Unix(assignedAt, 0).UTC()
	a.DueAt = unixPtr(due)
	a.Status = AssignmentStatus(status)
	return a, nil
}

func (s *SQLStore) ListAssignmentsForTaker(ctx context.Context, testTakerID string) ([]AssignedAssessment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,template_id,test_taker_id,test_taker_type,assigned_by,assigned_at,due_at,status,notes
		 FROM assigned_assessments WHERE test_taker_id=$1 ORDER BY assigned_at DESC`, testTakerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AssignedAssessment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

/* ---------- sessions / responses ---------- */

func (s *SQLStore) CreateSession(ctx context.Context, sess Session, first *Response) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id,assigned_id,current_ability,standard_error,questions_answered,current_index,status,
		   template_snapshot_json,rubric_snapshot_json,started_at,completed_at,expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sess.ID, sess.AssignedID, sess.CurrentAbility, sess.StandardError, sess.QuestionsAnswered, sess.CurrentIndex,
		string(sess.Status), mustJSON(sess.Template), mustJSON(sess.Rubric),
		sess.StartedAt.Unix(), nullUnix(sess.CompletedAt), sess.ExpiresAt.Unix()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE assigned_assessments SET status=$1 WHERE id=$2`,
		string(AssignmentInProgress), sess.AssignedID); err != nil {
		return err
	}
	if first != nil {
		if err := insertPending(ctx, tx, *first); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertPending(ctx context.Context, tx *sql.Tx, r Response) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO responses (id,session_id,item_id,idx,response_json,presented_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.SessionID, r.ItemID, r.Index, mustJSON(r.ResponseData), r.PresentedAt.Unix())
	return err
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,assigned_id,current_ability,standard_error,questions_answered,current_index,status,
		   template_snapshot_json,rubric_snapshot_json,started_at,completed_at,expires_at
		 FROM sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *SQLStore) ActiveSession(ctx context.Context, assignedID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,assigned_id,current_ability,standard_error,questions_answered,current_index,status,
		   template_snapshot_json,rubric_snapshot_json,started_at,completed_at,expires_at
		 FROM sessions WHERE assigned_id=$1 AND status=$2 ORDER BY started_at DESC LIMIT 1`,
		assignedID, string(SessionInProgress))
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var status, tmpl, rubric string
	var started, expires int64
	var completed sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.AssignedID, &sess.CurrentAbility, &sess.StandardError,
		&sess.QuestionsAnswered, &sess.CurrentIndex, &status, &tmpl, &rubric,
		&started, &completed, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return Session{}, err
	}
	sess.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(tmpl), &sess.Template); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal([]byte(rubric), &sess.Rubric); err != nil {
		return Session{}, err
	}
	sess.StartedAt = time.Unix(started, 0).UTC()
	sess.CompletedAt = unixPtr(completed)
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	return sess, nil
}

func (s *SQLStore) ListResponses(ctx context.Context, sessionID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,session_id,item_id,idx,response_json,is_correct,raw_score,presented_at,submitted_at,
		   time_taken_s,media_key,asr_transcript
		 FROM responses WHERE session_id=$1 ORDER BY idx`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Response
	for rows.Next() {
		var r Response
		var respJSON string
		var correct sql.NullBool
		var raw sql.NullFloat64
		var presented int64
		var submitted, taken sql.NullInt64
		var media, transcript sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ItemID, &r.Index, &respJSON, &correct, &raw,
			&presented, &submitted, &taken, &media, &transcript); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(respJSON), &r.ResponseData); err != nil {
			r.ResponseData = map[string]any{}
		}
		if correct.Valid {
			v := correct.Bool
			r.IsCorrect = &v
		}
		if raw.Valid {
			v := raw.Float64
			r.RawScore = &v
		}
		r.PresentedAt = time.Unix(presented, 0).UTC()
		r.SubmittedAt = unixPtr(submitted)
		if taken.Valid {
			v := int(taken.Int64)
			r.TimeTaken = &v
		}
		r.MediaKey = media.String
		r.ASRTranscript = transcript.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) SubmitAnswer(ctx context.Context, sessionID string, expectedIndex int, itemID string, ans SubmittedAnswer, prog Progress, next *Response) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE responses SET response_json=$1, is_correct=$2, raw_score=$3, submitted_at=$4,
		   time_taken_s=$5, media_key=$6, asr_transcript=$7
		 WHERE session_id=$8 AND item_id=$9 AND idx=$10 AND submitted_at IS NULL`,
		mustJSON(ans.ResponseData), ans.IsCorrect, ans.RawScore, ans.SubmittedAt.Unix(),
		nullInt(ans.TimeTaken), ans.MediaKey, ans.ASRTranscript,
		sessionID, itemID, expectedIndex)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the row was already submitted (duplicate answer) or the
		// caller lost the optimistic race.
		var submitted sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT submitted_at FROM responses WHERE session_id=$1 AND item_id=$2 AND idx=$3`,
			sessionID, itemID, expectedIndex).Scan(&submitted)
		if err == nil && submitted.Valid {
			return ErrAlreadyAnswered
		}
		return ErrConflict
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE sessions SET current_index=current_index+1, questions_answered=questions_answered+1,
		   current_ability=$1, standard_error=$2
		 WHERE id=$3 AND current_index=$4 AND status=$5`,
		prog.Ability, prog.StandardError, sessionID, expectedIndex, string(SessionInProgress))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if next != nil {
		if err := insertPending(ctx, tx, *next); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func (s *SQLStore) UpdateStatus(ctx context.Context, sessionID string, status SessionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=$1, completed_at=$2 WHERE id=$3 AND status=$4`,
		string(status), at.Unix(), sessionID, string(SessionInProgress))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Finalize(ctx context.Context, sessionID string, r Result, recs []RecommendedItem, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status=$1, completed_at=$2 WHERE id=$3 AND status=$4`,
		string(SessionCompleted), at.Unix(), sessionID, string(SessionInProgress))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assigned_assessments SET status=$1
		 WHERE id=(SELECT assigned_id FROM sessions WHERE id=$2)`,
		string(AssignmentCompleted), sessionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (id,session_id,proficiency_level,skill_scores_json,overall_score,result_type,
		   information_json,validated,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.SessionID, r.ProficiencyLevel, mustJSON(r.SkillScores), r.OverallScore, r.ResultType,
		mustJSON(r.Information), r.Validated, at.Unix()); err != nil {
		return err
	}

	for _, rec := range recs {
		if err := insertRecommendation(ctx, tx, rec, at); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecommendation(ctx context.Context, tx *sql.Tx, rec RecommendedItem, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO recommended_items (id,result_id,content_id,content_type,target_skill,skill_gap_size,
		   rationale,priority_order,source,overridden_by,overridden_at,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.ResultID, rec.ContentID, rec.ContentType, rec.TargetSkill, rec.SkillGapSize,
		rec.Rationale, rec.Priority, rec.Source, rec.OverriddenBy, nullUnix(rec.OverriddenAt), at.Unix())
	return err
}

func (s *SQLStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=$1, completed_at=NULL WHERE status=$2 AND expires_at < $3`,
		string(SessionExpired), string(SessionInProgress), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

/* ---------- results / recommendations / history ---------- */

func (s *SQLStore) ValidateResult(ctx context.Context, resultID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET validated=$1 WHERE id=$2`, true, resultID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("result %s: %w", resultID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetResultBySession(ctx context.Context, sessionID string) (Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,session_id,proficiency_level,skill_scores_json,overall_score,result_type,information_json,validated,created_at
		 FROM results WHERE session_id=$1`, sessionID)
	return scanResult(row)
}

func (s *SQLStore) GetResult(ctx context.Context, resultID string) (Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,session_id,proficiency_level,skill_scores_json,overall_score,result_type,information_json,validated,created_at
		 FROM results WHERE id=$1`, resultID)
	return scanResult(row)
}

func scanResult(row *sql.Row) (Result, error) {
	var r Result
	var skills, info string
	var created int64
	if err := row.Scan(&r.ID, &r.SessionID, &r.ProficiencyLevel, &skills, &r.OverallScore,
		&r.ResultType, &info, &r.Validated, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, fmt.Errorf("result: %w", ErrNotFound)
		}
		return Result{}, err
	}
	if err := json.Unmarshal([]byte(skills), &r.SkillScores); err != nil {
		return Result{}, err
	}
	if err := json.Unmarshal([]byte(info), &r.Information); err != nil {
		return Result{}, err
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	return r, nil
}

func (s *SQLStore) ListRecommendations(ctx context.Context, resultID string) ([]RecommendedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,result_id,content_id,content_type,target_skill,skill_gap_size,rationale,priority_order,
		   source,overridden_by,overridden_at,created_at
		 FROM recommended_items WHERE result_id=$1 ORDER BY priority_order`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecommendedItem
	for rows.Next() {
		var rec RecommendedItem
		var gap sql.NullFloat64
		var rationale, overriddenBy sql.NullString
		var overriddenAt sql.NullInt64
		var created int64
		if err := rows.Scan(&rec.ID, &rec.ResultID, &rec.ContentID, &rec.ContentType, &rec.TargetSkill,
			&gap, &rationale, &rec.Priority, &rec.Source, &overriddenBy, &overriddenAt, &created); err != nil {
			return nil, err
		}
		rec.SkillGapSize = gap.Float64
		rec.Rationale = rationale.String
		rec.OverriddenBy = overriddenBy.String
		rec.OverriddenAt = unixPtr(overriddenAt)
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) ReplaceRecommendations(ctx context.Context, resultID string, recs []RecommendedItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM recommended_items WHERE result_id=$1`, resultID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		if err := insertRecommendation(ctx, tx, rec, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListHistory(ctx context.Context, testTakerID string, f HistoryFilter) ([]HistoryEntry, error) {
	q := `SELECT r.id, r.session_id, r.proficiency_level, r.skill_scores_json, r.overall_score, r.result_type,
	        r.information_json, r.validated, r.created_at,
	        a.template_id, se.template_snapshot_json, se.started_at, se.completed_at
	      FROM results r
	      JOIN sessions se ON se.id = r.session_id
	      JOIN assigned_assessments a ON a.id = se.assigned_id
	      WHERE a.test_taker_id = $1`
	args := []any{testTakerID}
	if f.ResultType != "" {
		q += fmt.Sprintf(" AND r.result_type = $%d", len(args)+1)
		args = append(args, f.ResultType)
	}
	q += " ORDER BY r.created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var skills, info, tmpl string
		var created, started int64
		var completed sql.NullInt64
		if err := rows.Scan(&e.Result.ID, &e.Result.SessionID, &e.Result.ProficiencyLevel, &skills,
			&e.Result.OverallScore, &e.Result.ResultType, &info, &e.Result.Validated, &created,
			&e.TemplateID, &tmpl, &started, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(skills), &e.Result.SkillScores); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(info), &e.Result.Information); err != nil {
			return nil, err
		}
		var snap TemplateSnapshot
		if err := json.Unmarshal([]byte(tmpl), &snap); err == nil {
			e.Type = snap.Type
		}
		e.Result.CreatedAt = time.Unix(created, 0).UTC()
		e.StartedAt = time.Unix(started, 0).UTC()
		if completed.Valid {
			e.CompletedAt = time.Unix(completed.Int64, 0).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
