package fakeapi

import (
	"net/http"
	"path"
)

func (s *Server) fileRoutes() {
	const res = "files"
	s.handle(res, "list", http.MethodGet, func(q *request) (*reply, error) {
		folder := q.id("folder_id")
		fs := s.files.list(func(f record) bool { return f.num("folder_id") == folder })
		return &reply{data: fs, meta: map[string]any{"total": len(fs)}}, nil
	})
	s.handle(res, "upload", http.MethodPost, func(q *request) (*reply, error) {
		if q.file == nil {
			return nil, invalid("No file uploaded")
		}
		folder := q.id("folder_id")
		if err := s.checkFolder(folder); err != nil {
			return nil, err
		}
		mt := q.file.mime
		if mt == "" {
			mt = "application/octet-stream"
		}
		f := s.files.insert(s.touch(), record{
			"name":      path.Base(q.file.name),
			"folder_id": folder,
			"size":      int64(len(q.file.data)),
			"mime_type": mt,
			"owner_id":  q.uid,
		})
		s.contents[f.id()] = q.file.data
		return &reply{data: f, message: "File uploaded successfully"}, nil
	})
	s.handle(res, "download", http.MethodGet, func(q *request) (*reply, error) {
		f, ok := s.files.get(q.id("id"))
		if !ok || f["is_folder"] == true {
			return nil, notFound("File")
		}
		return &reply{blob: &blob{data: s.contents[f.id()], contentType: str(f["mime_type"]), filename: str(f["name"])}}, nil
	})
	s.handle(res, "delete", http.MethodDelete, func(q *request) (*reply, error) {
		id := q.id("id")
		if !s.files.delete(id) {
			return nil, notFound("File")
		}
		delete(s.contents, id)
		for _, sh := range s.shares.list(func(r record) bool { return r.num("file_id") == id }) {
			s.shares.delete(sh.id())
		}
		s.touch()
		return &reply{message: "File deleted successfully"}, nil
	})
	s.handle(res, "share", http.MethodPost, func(q *request) (*reply, error) {
		id := q.id("id")
		if _, ok := s.files.get(id); !ok {
			return nil, notFound("File")
		}
		if q.id("user_id") <= 0 {
			return nil, invalid("User is required")
		}
		perm := q.str("permission")
		if perm == "" {
			perm = "view"
		}
		if perm != "view" && perm != "edit" {
			return nil, invalid("Invalid permission")
		}
		rec := record{"file_id": id, "user_id": q.id("user_id"), "permission": perm, "shared_by": q.uid}
		if exp := q.str("expires_at"); exp != "" {
			rec["expires_at"] = exp
		}
		return &reply{data: s.shares.insert(s.touch(), rec), message: "File shared successfully"}, nil
	})
	s.handle(res, "shares", http.MethodGet, func(q *request) (*reply, error) {
		id := q.id("id")
		shs := s.shares.list(func(r record) bool {
			if id > 0 {
				return r.num("file_id") == id
			}
			return r.num("shared_by") == q.uid
		})
		return &reply{data: shs, meta: map[string]any{"total": len(shs)}}, nil
	})
	s.handle(res, "revoke", http.MethodDelete, func(q *request) (*reply, error) {
		if !s.shares.delete(q.id("share_id")) {
			return nil, notFound("Share")
		}
		s.touch()
		return &reply{message: "Share revoked"}, nil
	})
	s.handle(res, "create_folder", http.MethodPost, func(q *request) (*reply, error) {
		name := q.str("name")
		if name == "" {
			return nil, invalid("Folder name is required")
		}
		parent := q.id("folder_id")
		if err := s.checkFolder(parent); err != nil {
			return nil, err
		}
		f := s.files.insert(s.touch(), record{
			"name": name, "folder_id": parent, "size": int64(0), "is_folder": true, "owner_id": q.uid,
		})
		return &reply{data: f, message: "Folder created"}, nil
	})
}

func (s *Server) checkFolder(id int64) error {
	if id == 0 {
		return nil
	}
	f, ok := s.files.get(id)
	if !ok || f["is_folder"] != true {
		return notFound("Folder")
	}
	return nil
}
