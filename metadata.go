package coffer

import (
	"southwinds.dev/coffer/catalog"
)

func fileInfoFromRecord(rec *catalog.Record) *FileInfo {
	return &FileInfo{
		ID:           rec.ID,
		OriginalName: rec.OriginalName,
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		OwnerID:      rec.OwnerID,
		CreatedAt:    rec.CreatedAt,
		ModifiedAt:   rec.ModifiedAt,
	}
}

func fileInfosFromRecords(recs []catalog.Record) []FileInfo {
	infos := make([]FileInfo, 0, len(recs))
	for i := range recs {
		infos = append(infos, *fileInfoFromRecord(&recs[i]))
	}
	return infos
}
