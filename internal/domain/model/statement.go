package model

import "time"

// IntegrityStatement 表示一份完整性声明（integrity_statements 表，只追加）。
//
// PreManifestSHA256 是“自引用字段填入之前”的正文摘要，嵌入在正文中；
// TextSHA256 是最终分发文本的摘要。两者按设计不同，不能合并。
type IntegrityStatement struct {
	StatementID       string    `json:"statement_id"`
	CaseID            string    `json:"case_id"`
	GeneratedAt       time.Time `json:"generated_at"`
	EvidenceDigests   []string  `json:"evidence_digests"`
	EvidenceIDs       []string  `json:"evidence_ids"`
	Text              []byte    `json:"-"`
	TextSHA256        string    `json:"text_sha256"`
	PDFSHA256         string    `json:"pdf_sha256,omitempty"`
	PreManifestSHA256 string    `json:"pre_manifest_sha256"`
	TextPath          string    `json:"text_path,omitempty"`
	PDFPath           string    `json:"pdf_path,omitempty"`
}

// ExportPackage 是一次导出包的登记信息（export_packages 表）。
type ExportPackage struct {
	PackageID     string    `json:"package_id"`
	CaseID        string    `json:"case_id"`
	Dir           string    `json:"dir"`
	ArchivePath   string    `json:"archive_path"`
	PackageSHA256 string    `json:"package_sha256"`
	StatementID   string    `json:"statement_id"`
	ExhibitCount  int       `json:"exhibit_count"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}
