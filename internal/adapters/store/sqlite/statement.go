package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"evidence-vault/internal/domain/model"
)

// InsertStatement 登记一份完整性声明。声明只写一次，重复 ID 视为不可变冲突。
func (s *Store) InsertStatement(ctx context.Context, st model.IntegrityStatement) error {
	ids, err := json.Marshal(st.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("marshal statement evidence ids: %w", err)
	}
	digests, err := json.Marshal(st.EvidenceDigests)
	if err != nil {
		return fmt.Errorf("marshal statement digests: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO integrity_statements(
			statement_id, case_id, generated_at, evidence_ids_json, evidence_digests_json,
			text_sha256, pdf_sha256, pre_manifest_sha256, text_path, pdf_path
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.StatementID, st.CaseID, st.GeneratedAt.UnixNano(), string(ids), string(digests),
		st.TextSHA256, nullIfEmpty(st.PDFSHA256), st.PreManifestSHA256, nullIfEmpty(st.TextPath), nullIfEmpty(st.PDFPath))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert statement %s: %w", st.StatementID, model.ErrImmutableViolation)
		}
		return mapErr("insert statement", err)
	}
	return nil
}

// GetStatement 按 ID 查询声明元数据（不含正文）。
func (s *Store) GetStatement(ctx context.Context, statementID string) (*model.IntegrityStatement, error) {
	var st model.IntegrityStatement
	var at int64
	var ids, digests string
	err := s.q.QueryRowContext(ctx, `
		SELECT statement_id, case_id, generated_at, evidence_ids_json, evidence_digests_json,
			text_sha256, COALESCE(pdf_sha256, ''), pre_manifest_sha256,
			COALESCE(text_path, ''), COALESCE(pdf_path, '')
		FROM integrity_statements
		WHERE statement_id = ?
	`, statementID).Scan(&st.StatementID, &st.CaseID, &at, &ids, &digests,
		&st.TextSHA256, &st.PDFSHA256, &st.PreManifestSHA256, &st.TextPath, &st.PDFPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query statement: %w", err)
	}
	st.GeneratedAt = fromNanos(at)
	if err := json.Unmarshal([]byte(ids), &st.EvidenceIDs); err != nil {
		return nil, fmt.Errorf("decode statement evidence ids: %w", err)
	}
	if err := json.Unmarshal([]byte(digests), &st.EvidenceDigests); err != nil {
		return nil, fmt.Errorf("decode statement digests: %w", err)
	}
	return &st, nil
}

// InsertExportPackage 登记一次成功发布的导出包。
func (s *Store) InsertExportPackage(ctx context.Context, p model.ExportPackage) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO export_packages(
			package_id, case_id, dir, archive_path, package_sha256, statement_id,
			exhibit_count, created_by, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.PackageID, p.CaseID, p.Dir, p.ArchivePath, p.PackageSHA256, p.StatementID,
		p.ExhibitCount, p.CreatedBy, p.CreatedAt.UnixNano())
	if err != nil {
		return mapErr("insert export package", err)
	}
	return nil
}

// ListExportPackages 返回案件的导出包（按时间倒序）。
func (s *Store) ListExportPackages(ctx context.Context, caseID string) ([]model.ExportPackage, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT package_id, case_id, dir, archive_path, package_sha256, statement_id,
			exhibit_count, created_by, created_at
		FROM export_packages
		WHERE case_id = ?
		ORDER BY created_at DESC, package_id DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query export packages: %w", err)
	}
	defer rows.Close()

	out := []model.ExportPackage{}
	for rows.Next() {
		var p model.ExportPackage
		var at int64
		if err := rows.Scan(&p.PackageID, &p.CaseID, &p.Dir, &p.ArchivePath, &p.PackageSHA256,
			&p.StatementID, &p.ExhibitCount, &p.CreatedBy, &at); err != nil {
			return nil, fmt.Errorf("scan export package: %w", err)
		}
		p.CreatedAt = fromNanos(at)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export packages: %w", err)
	}
	return out, nil
}
