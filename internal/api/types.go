package api

import (
	"fmt"
	"time"
)

// Folder 是远端 API 返回的文件夹记录。
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parentId,omitempty"`
	Pinned    bool      `json:"pinned"`
	Starred   bool      `json:"starred"`
	Archived  bool      `json:"archived"`
	LinkCount int       `json:"linkCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Link 是单条书签。
type Link struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	FolderID  string    `json:"folderId,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Starred   bool      `json:"starred"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tag 是标签及其引用计数。
type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// File 是用户上传的文件条目（“我的文件”视图）。
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"sizeBytes"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

// FolderPatch 描述 PATCH /folders/{id} 的部分更新字段，nil 表示不修改。
type FolderPatch struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parentId,omitempty"`
	Pinned   *bool   `json:"pinned,omitempty"`
	Starred  *bool   `json:"starred,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// Error 表示远端返回的非 2xx 响应。
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d %s", e.Status, e.Code)
}

// Temporary 表示错误是否值得重试（5xx 与 429）。
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}
