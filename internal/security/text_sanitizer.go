// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はプロファイルストアから取得した表示名などのテキストからHTMLを除去する。
// bluemondayのStrictPolicyで全タグを落とし、プレーンテキストとして扱える値だけを残す。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxFieldLength はサニタイズ後のテキストの最大文字数。
const maxFieldLength = 256

// TextSanitizerService はプレーンテキスト項目のサニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はテキストから全てのHTMLタグと制御文字を除去し、前後の空白を取り除く。
	// 結果はエスケープされていないプレーンテキストで、表示時のテンプレートでエスケープされる。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストをサニタイズする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyは&や<を実体参照にするため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if r := []rune(text); len(r) > maxFieldLength {
		text = string(r[:maxFieldLength])
	}
	return text
}
