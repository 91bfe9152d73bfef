package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

const DefaultMaxFileSize = 50 * 1024 * 1024

var pdfMagic = []byte("%PDF-")

// DocumentValidator 文档验证器
type DocumentValidator struct {
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
}

// Summary joins the error messages of an invalid result.
func (r *ValidationResult) Summary() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = &ValidatorConfig{}
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = map[string][]string{
			".pdf": {"application/pdf"},
		}
	}
	return &DocumentValidator{config: config}
}

// Validate checks one uploaded document. The reader is rewound before
// returning so callers can keep using it.
func (v *DocumentValidator) Validate(name string, size int64, r io.ReadSeeker) (*ValidationResult, error) {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  name,
			Size:      size,
			Extension: strings.ToLower(filepath.Ext(name)),
		},
	}

	// 计算文件哈希
	hash, err := calculateHash(r)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}
	result.FileInfo.Hash = hash

	head, err := readHead(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}
	result.FileInfo.MimeType = http.DetectContentType(head)

	result.add(v.performBasicValidation(result.FileInfo)...)
	result.add(v.validateMimeType(result.FileInfo)...)
	if result.FileInfo.Extension == ".pdf" {
		result.add(validatePDF(head)...)
	}
	return result, nil
}

func (r *ValidationResult) add(errs ...ValidationError) {
	if len(errs) == 0 {
		return
	}
	r.IsValid = false
	r.Errors = append(r.Errors, errs...)
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(info FileInfo) []ValidationError {
	var errs []ValidationError

	if info.Size <= 0 {
		errs = append(errs, ValidationError{
			Code:    "EMPTY_FILE",
			Message: fmt.Sprintf("File %s is empty", info.Filename),
			Field:   "size",
		})
	}
	if info.Size > v.config.MaxFileSize {
		errs = append(errs, ValidationError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}
	if _, ok := v.config.AllowedTypes[info.Extension]; !ok {
		errs = append(errs, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %q is not allowed", info.Extension),
			Field:   "extension",
		})
	}
	return errs
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(info FileInfo) []ValidationError {
	allowed, ok := v.config.AllowedTypes[info.Extension]
	if !ok {
		return nil
	}
	for _, mime := range allowed {
		if mime == info.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", info.MimeType, info.Extension),
		Field:   "mimeType",
	}}
}

// PDF特定验证
func validatePDF(head []byte) []ValidationError {
	if bytes.HasPrefix(head, pdfMagic) {
		return nil
	}
	return []ValidationError{{
		Code:    "INVALID_PDF",
		Message: "File does not start with a PDF header",
		Field:   "content",
	}}
}

func readHead(r io.ReadSeeker) ([]byte, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// 计算文件哈希
func calculateHash(r io.ReadSeeker) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
