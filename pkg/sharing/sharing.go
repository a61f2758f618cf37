// Package sharing is the client of the files endpoint: uploads, downloads,
// folders and shares.
package sharing

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/gateway"
)

const (
	resource = "files"

	EventFileUploaded  = "sharing:file:uploaded"
	EventFileDeleted   = "sharing:file:deleted"
	EventFileShared    = "sharing:file:shared"
	EventShareRevoked  = "sharing:share:revoked"
	EventFolderCreated = "sharing:folder:created"
)

// Share permissions.
const (
	PermissionView = "view"
	PermissionEdit = "edit"
)

type File struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	FolderID  int64  `json:"folder_id,omitempty"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type,omitempty"`
	IsFolder  bool   `json:"is_folder,omitempty"`
	OwnerID   int64  `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Share struct {
	ID         int64  `json:"id"`
	FileID     int64  `json:"file_id"`
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type Client struct {
	*facade.Client
}

func New(core facade.Core) *Client {
	return &Client{Client: facade.NewClient(core, "sharing")}
}

// ListFiles lists a folder; folderID 0 is the root.
func (c *Client) ListFiles(ctx context.Context, folderID int64, filters facade.Fields) (*facade.Result[[]File], error) {
	f := filters.Clone()
	if folderID > 0 {
		f["folder_id"] = folderID
	}
	return facade.Call[[]File](ctx, c.Client, facade.Op{
		Resource: resource, Action: "list", Failure: "Failed to load files",
	}, f)
}

// UploadFile sends r as a multipart upload into folderID, reporting progress
// in percent.
func (c *Client) UploadFile(ctx context.Context, folderID int64, name string, r io.Reader, onProgress func(pct float64)) (*facade.Result[File], error) {
	form := &gateway.Form{
		Fields: map[string]string{},
		Files:  []gateway.FormFile{{Field: "file", Filename: name, Reader: r}},
	}
	if folderID > 0 {
		form.Fields["folder_id"] = strconv.FormatInt(folderID, 10)
	}
	return facade.Upload[File](ctx, c.Client, facade.Op{
		Resource: resource, Action: "upload", Event: EventFileUploaded,
		Success: "File uploaded successfully", Failure: "Upload failed",
	}, form, onProgress)
}

// DownloadFile fetches the content of a file.
func (c *Client) DownloadFile(ctx context.Context, id int64) (*gateway.Blob, error) {
	return facade.Blob(ctx, c.Client, resource, facade.Fields{"action": "download", "id": id})
}

func (c *Client) DeleteFile(ctx context.Context, id int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "delete", Event: EventFileDeleted,
		Payload: map[string]any{"id": id},
		Success: "File deleted successfully", Failure: "Failed to delete file",
	}, facade.Fields{"id": id})
}

// ShareFile grants userID access to a file. fields may carry expires_at.
func (c *Client) ShareFile(ctx context.Context, fileID, userID int64, permission string, fields facade.Fields) (*facade.Result[Share], error) {
	f := fields.Clone()
	f["id"] = fileID
	f["user_id"] = userID
	f["permission"] = permission
	return facade.Call[Share](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "share", Event: EventFileShared,
		Success: "File shared successfully", Failure: "Failed to share file",
	}, f)
}

// ListShares lists the shares of a file, or every share the caller made
// when fileID is 0.
func (c *Client) ListShares(ctx context.Context, fileID int64) (*facade.Result[[]Share], error) {
	f := facade.Fields{}
	if fileID > 0 {
		f["id"] = fileID
	}
	return facade.Call[[]Share](ctx, c.Client, facade.Op{
		Resource: resource, Action: "shares", Failure: "Failed to load shares",
	}, f)
}

func (c *Client) RevokeShare(ctx context.Context, shareID int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "revoke", Event: EventShareRevoked,
		Payload: map[string]any{"share_id": shareID},
		Success: "Share revoked", Failure: "Failed to revoke share",
	}, facade.Fields{"share_id": shareID})
}

func (c *Client) CreateFolder(ctx context.Context, parentID int64, name string) (*facade.Result[File], error) {
	f := facade.Fields{"name": name}
	if parentID > 0 {
		f["folder_id"] = parentID
	}
	return facade.Call[File](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "create_folder", Event: EventFolderCreated,
		Success: "Folder created", Failure: "Failed to create folder",
	}, f)
}
