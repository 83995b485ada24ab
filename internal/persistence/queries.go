package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Rjrtgarcia/consultease/internal/errs"
	"github.com/Rjrtgarcia/consultease/internal/macaddr"
	"github.com/Rjrtgarcia/consultease/internal/model"
)

// facultyRow mirrors the faculty table. sqlx scans directly into it via
// `db` struct tags; model.Faculty is the snapshot type callers outside
// this package see.
type facultyRow struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	Department      string     `db:"department"`
	Email           string     `db:"email"`
	BeaconMAC       string     `db:"beacon_mac"`
	AlwaysAvailable bool       `db:"always_available"`
	Present         bool       `db:"present"`
	LastSeen        *time.Time `db:"last_seen"`
	NTPSyncStatus   string     `db:"ntp_sync_status"`
	InGracePeriod   bool       `db:"in_grace_period"`
	OfficeHours     string     `db:"office_hours"`
	Version         int64      `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (r facultyRow) toModel() model.Faculty {
	return model.Faculty{
		ID:              r.ID,
		Name:            r.Name,
		Department:      r.Department,
		Email:           r.Email,
		BeaconMAC:       r.BeaconMAC,
		AlwaysAvailable: r.AlwaysAvailable,
		Present:         r.Present,
		LastSeen:        r.LastSeen,
		NTPSyncStatus:   model.NTPSyncStatus(r.NTPSyncStatus),
		InGracePeriod:   r.InGracePeriod,
		OfficeHours:     r.OfficeHours,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
	}
}

const facultyColumns = `id, name, department, email, beacon_mac, always_available,
		       present, last_seen, ntp_sync_status, in_grace_period,
		       office_hours, version, created_at`

// GetFaculty fetches one faculty row by id, outside any caller-managed
// transaction — a plain pool read, since a single SELECT needs no
// isolation beyond what the database already gives it.
func (s *Store) GetFaculty(ctx context.Context, id int64) (model.Faculty, error) {
	var row facultyRow
	err := s.conn().GetContext(ctx, &row, s.rebind(`SELECT `+facultyColumns+` FROM faculty WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Faculty{}, errs.NewNotFound("faculty", id)
	}
	if err != nil {
		return model.Faculty{}, classify(err)
	}
	return row.toModel(), nil
}

// GetFacultyByBeacon looks a faculty member up by beacon MAC, the join
// key the presence engine uses to resolve incoming beacon sightings.
func (s *Store) GetFacultyByBeacon(ctx context.Context, mac string) (model.Faculty, error) {
	normalized, err := macaddr.Normalize(mac)
	if err != nil {
		return model.Faculty{}, err
	}
	var row facultyRow
	err = s.conn().GetContext(ctx, &row, s.rebind(`SELECT `+facultyColumns+` FROM faculty WHERE beacon_mac = ?`), normalized)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Faculty{}, errs.NewNotFound("faculty", normalized)
	}
	if err != nil {
		return model.Faculty{}, classify(err)
	}
	return row.toModel(), nil
}

// ListFaculty returns every faculty row, ordered by name for stable
// desk-unit listing.
func (s *Store) ListFaculty(ctx context.Context) ([]model.Faculty, error) {
	var rows []facultyRow
	if err := s.conn().SelectContext(ctx, &rows, `SELECT `+facultyColumns+` FROM faculty ORDER BY name`); err != nil {
		return nil, classify(err)
	}
	out := make([]model.Faculty, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CreateFaculty inserts a new faculty row for admin onboarding and
// returns its assigned id.
func (s *Store) CreateFaculty(ctx context.Context, f model.Faculty) (int64, error) {
	mac, err := macaddr.Normalize(f.BeaconMAC)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, s.rebind(`
			INSERT INTO faculty (name, department, email, beacon_mac, always_available, office_hours)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`), f.Name, f.Department, f.Email, mac, f.AlwaysAvailable, f.OfficeHours)
		return row.Scan(&id)
	})
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// DeleteFaculty removes a faculty row. The consultation.faculty_id
// foreign key has no cascade, so consultation history is never deleted
// with it; where the database enforces that key, deleting a faculty row
// that consultations still reference fails with a constraint error.
func (s *Store) DeleteFaculty(ctx context.Context, id int64) error {
	return s.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM faculty WHERE id = ?`), id)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NewNotFound("faculty", id)
		}
		return nil
	})
}

// UpdateFacultyTx performs the optimistic-concurrency faculty write
// inside a caller-managed transaction: the row is only updated if its
// version still matches expectedVersion, so a concurrent writer that won
// the race leaves this write a no-op the presence engine must detect and
// retry from a fresh read.
//
// Every column argument is a pointer so the same statement serves the
// engine's three distinct update shapes (full status update, MAC-only
// reconciliation, heartbeat-only NTP status) without one clobbering the
// columns the others don't touch: a nil pointer means "leave this column
// unchanged" via COALESCE, a non-nil pointer means "set it".
func (s *Store) UpdateFacultyTx(ctx context.Context, tx *sqlx.Tx, id int64, present *bool, lastSeen *time.Time, inGracePeriod *bool, beaconMAC *string, ntpSyncStatus *model.NTPSyncStatus, expectedVersion int64) (bool, error) {
	var ntp *string
	if ntpSyncStatus != nil {
		v := string(*ntpSyncStatus)
		ntp = &v
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE faculty
		SET present = COALESCE(?, present),
		    last_seen = COALESCE(?, last_seen),
		    in_grace_period = COALESCE(?, in_grace_period),
		    beacon_mac = COALESCE(?, beacon_mac),
		    ntp_sync_status = COALESCE(?, ntp_sync_status),
		    version = version + 1
		WHERE id = ? AND version = ?`), present, lastSeen, inGracePeriod, beaconMAC, ntp, id, expectedVersion)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

// GetFacultyTx reads a faculty row inside an existing transaction,
// locking it with FOR UPDATE where the backend supports that clause.
func (s *Store) GetFacultyTx(ctx context.Context, tx *sqlx.Tx, id int64) (model.Faculty, error) {
	var row facultyRow
	err := tx.GetContext(ctx, &row, s.rebind(`SELECT `+facultyColumns+` FROM faculty WHERE id = ? FOR UPDATE`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Faculty{}, errs.NewNotFound("faculty", id)
	}
	if err != nil {
		// SQLite has no row-level locking clause; retry without it.
		err = tx.GetContext(ctx, &row, s.rebind(`SELECT `+facultyColumns+` FROM faculty WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Faculty{}, errs.NewNotFound("faculty", id)
		}
		if err != nil {
			return model.Faculty{}, classify(err)
		}
	}
	return row.toModel(), nil
}

// studentRow mirrors the student table.
type studentRow struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	RFIDUID    string `db:"rfid_uid"`
	Department string `db:"department"`
}

func (r studentRow) toModel() model.Student {
	return model.Student{ID: r.ID, Name: r.Name, RFIDUID: r.RFIDUID, Department: r.Department}
}

// GetStudent fetches one student row by id, used to populate the
// student_name field of an outbound consultation-request notification.
func (s *Store) GetStudent(ctx context.Context, id int64) (model.Student, error) {
	var row studentRow
	err := s.conn().GetContext(ctx, &row, s.rebind(`SELECT id, name, rfid_uid, department FROM student WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, errs.NewNotFound("student", id)
	}
	if err != nil {
		return model.Student{}, classify(err)
	}
	return row.toModel(), nil
}

// GetStudentByRFID resolves the RFID tag a desk unit reads into a
// student record.
func (s *Store) GetStudentByRFID(ctx context.Context, uid string) (model.Student, error) {
	var row studentRow
	err := s.conn().GetContext(ctx, &row, s.rebind(`SELECT id, name, rfid_uid, department FROM student WHERE rfid_uid = ?`), uid)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, errs.NewNotFound("student", uid)
	}
	if err != nil {
		return model.Student{}, classify(err)
	}
	return row.toModel(), nil
}

// UpsertStudent inserts a student or updates its name/department if the
// RFID tag is already enrolled.
func (s *Store) UpsertStudent(ctx context.Context, st model.Student) (int64, error) {
	var id int64
	err := s.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		existing, ferr := s.GetStudentByRFID(ctx, st.RFIDUID)
		if ferr == nil {
			id = existing.ID
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE student SET name = ?, department = ? WHERE id = ?`), st.Name, st.Department, id)
			return classify(err)
		}
		var nf *errs.NotFound
		if !errors.As(ferr, &nf) {
			return ferr
		}
		row := tx.QueryRowxContext(ctx, s.rebind(`
			INSERT INTO student (name, rfid_uid, department) VALUES (?, ?, ?) RETURNING id`),
			st.Name, st.RFIDUID, st.Department)
		return row.Scan(&id)
	})
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// consultationRow mirrors the consultation table.
type consultationRow struct {
	ID                     int64      `db:"id"`
	MessageID              string     `db:"message_id"`
	StudentID              int64      `db:"student_id"`
	FacultyID              int64      `db:"faculty_id"`
	Course                 string     `db:"course"`
	Message                string     `db:"message"`
	DesiredDurationMinutes int        `db:"desired_duration_minutes"`
	Status                 string     `db:"status"`
	RequestedAt            time.Time  `db:"requested_at"`
	AcceptedAt             *time.Time `db:"accepted_at"`
	CompletedAt            *time.Time `db:"completed_at"`
}

func (r consultationRow) toModel() model.Consultation {
	return model.Consultation{
		ID:                     r.ID,
		MessageID:              r.MessageID,
		StudentID:              r.StudentID,
		FacultyID:              r.FacultyID,
		Course:                 r.Course,
		Message:                r.Message,
		DesiredDurationMinutes: r.DesiredDurationMinutes,
		Status:                 model.ConsultationStatus(r.Status),
		RequestedAt:            r.RequestedAt,
		AcceptedAt:             r.AcceptedAt,
		CompletedAt:            r.CompletedAt,
	}
}

const consultationColumns = `id, message_id, student_id, faculty_id, course, message,
		       desired_duration_minutes, status, requested_at, accepted_at, completed_at`

// CreateConsultationTx inserts a new PENDING consultation request inside
// a caller-managed transaction and returns its assigned id.
func (s *Store) CreateConsultationTx(ctx context.Context, tx *sqlx.Tx, c model.Consultation) (int64, error) {
	var id int64
	row := tx.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO consultation (message_id, student_id, faculty_id, course, message, desired_duration_minutes, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		c.MessageID, c.StudentID, c.FacultyID, c.Course, c.Message, c.DesiredDurationMinutes, c.Status, c.RequestedAt)
	if err := row.Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// GetConsultationByMessageID resolves the idempotency key desk units
// attach to every response.
func (s *Store) GetConsultationByMessageID(ctx context.Context, messageID string) (model.Consultation, error) {
	var row consultationRow
	err := s.conn().GetContext(ctx, &row, s.rebind(`SELECT `+consultationColumns+` FROM consultation WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Consultation{}, errs.NewNotFound("consultation", messageID)
	}
	if err != nil {
		return model.Consultation{}, classify(err)
	}
	return row.toModel(), nil
}

// GetConsultationTx re-reads a consultation inside an existing
// transaction so the coordinator can validate the state-machine
// transition against the freshest row before writing.
func (s *Store) GetConsultationTx(ctx context.Context, tx *sqlx.Tx, id int64) (model.Consultation, error) {
	var row consultationRow
	err := tx.GetContext(ctx, &row, s.rebind(`SELECT `+consultationColumns+` FROM consultation WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Consultation{}, errs.NewNotFound("consultation", id)
	}
	if err != nil {
		return model.Consultation{}, classify(err)
	}
	return row.toModel(), nil
}

// UpdateConsultationStatusTx transitions a consultation's status and
// stamps the corresponding timestamp column, guarded by the previous
// status so a stale caller can't clobber a newer transition.
func (s *Store) UpdateConsultationStatusTx(ctx context.Context, tx *sqlx.Tx, id int64, from, to model.ConsultationStatus, at time.Time) (bool, error) {
	var query string
	switch to {
	case model.StatusAccepted:
		query = `UPDATE consultation SET status = ?, accepted_at = ? WHERE id = ? AND status = ?`
	case model.StatusCompleted:
		query = `UPDATE consultation SET status = ?, completed_at = ? WHERE id = ? AND status = ?`
	default:
		query = `UPDATE consultation SET status = ? WHERE id = ? AND status = ?`
		res, err := tx.ExecContext(ctx, s.rebind(query), to, id, from)
		if err != nil {
			return false, classify(err)
		}
		n, err := res.RowsAffected()
		return n == 1, classify(err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(query), to, at, id, from)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n == 1, classify(err)
}

// ListConsultations returns consultations in reverse-chronological
// order, optionally filtered to a single faculty member (facultyID = 0
// means unfiltered).
func (s *Store) ListConsultations(ctx context.Context, facultyID int64) ([]model.Consultation, error) {
	var rows []consultationRow
	var err error
	if facultyID == 0 {
		err = s.conn().SelectContext(ctx, &rows, `SELECT `+consultationColumns+` FROM consultation ORDER BY requested_at DESC`)
	} else {
		err = s.conn().SelectContext(ctx, &rows, s.rebind(`SELECT `+consultationColumns+` FROM consultation WHERE faculty_id = ? ORDER BY requested_at DESC`), facultyID)
	}
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.Consultation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListStalePending returns every PENDING consultation requested before
// cutoff, the candidate set the expiry sweep sweeps to EXPIRED.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]model.Consultation, error) {
	var rows []consultationRow
	err := s.conn().SelectContext(ctx, &rows, s.rebind(`
		SELECT `+consultationColumns+` FROM consultation
		WHERE status = ? AND requested_at < ?`), model.StatusPending, cutoff)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.Consultation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// adminRow mirrors the admin table.
type adminRow struct {
	ID             int64  `db:"id"`
	Username       string `db:"username"`
	CredentialHash string `db:"credential_hash"`
}

// GetAdminByUsername fetches the admin credential row the login handler
// checks a submitted password hash against.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (model.Admin, error) {
	var row adminRow
	err := s.conn().GetContext(ctx, &row, s.rebind(`SELECT id, username, credential_hash FROM admin WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Admin{}, errs.NewNotFound("admin", username)
	}
	if err != nil {
		return model.Admin{}, classify(err)
	}
	return model.Admin{ID: row.ID, Username: row.Username, CredentialHash: row.CredentialHash}, nil
}
