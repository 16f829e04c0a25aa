package api

// Row is a decoded record ready to be bound to its table's insert statement.
type Row interface {
	// Key is the primary key (aacid).
	Key() string
	// Values returns column values in Table.Columns order.
	// Nil pointers are written as NULL.
	Values() []any
}

// FileMapping links one stored file (by md5) to a catalog entry.
// Several mappings may share a ZlibraryID.
type FileMapping struct {
	AACID      string  `json:"aacid" yaml:"aacid"`
	ZlibraryID int64   `json:"zlibrary_id" yaml:"zlibrary_id"`
	MD5        string  `json:"md5" yaml:"md5"`
	DataFolder *string `json:"data_folder,omitempty" yaml:"data_folder,omitempty"`
}

func (f *FileMapping) Key() string { return f.AACID }

func (f *FileMapping) Values() []any {
	return []any{f.AACID, f.ZlibraryID, f.MD5, f.DataFolder}
}

// CatalogRecord is one book entry of the catalog. ZlibraryID is unique.
//
// Year, Pages and Volume stay text: the source is inconsistent about them and
// downstream filters compare them as strings.
type CatalogRecord struct {
	AACID            string  `json:"aacid" yaml:"aacid"`
	ZlibraryID       int64   `json:"zlibrary_id" yaml:"zlibrary_id"`
	MD5Reported      *string `json:"md5_reported,omitempty" yaml:"md5_reported,omitempty"`
	Title            *string `json:"title,omitempty" yaml:"title,omitempty"`
	Author           *string `json:"author,omitempty" yaml:"author,omitempty"`
	Publisher        *string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Language         *string `json:"language,omitempty" yaml:"language,omitempty"`
	Series           *string `json:"series,omitempty" yaml:"series,omitempty"`
	Volume           *string `json:"volume,omitempty" yaml:"volume,omitempty"`
	Edition          *string `json:"edition,omitempty" yaml:"edition,omitempty"`
	Year             *string `json:"year,omitempty" yaml:"year,omitempty"`
	Pages            *string `json:"pages,omitempty" yaml:"pages,omitempty"`
	Description      *string `json:"description,omitempty" yaml:"description,omitempty"`
	Extension        *string `json:"extension,omitempty" yaml:"extension,omitempty"`
	FilesizeReported *int64  `json:"filesize_reported,omitempty" yaml:"filesize_reported,omitempty"`
	DateAdded        *string `json:"date_added,omitempty" yaml:"date_added,omitempty"`
	DateModified     *string `json:"date_modified,omitempty" yaml:"date_modified,omitempty"`
	CoverPath        *string `json:"cover_path,omitempty" yaml:"cover_path,omitempty"`
	// ISBNs is the JSON array text exactly as stored.
	ISBNs      *string `json:"isbns,omitempty" yaml:"isbns,omitempty"`
	CategoryID *string `json:"category_id,omitempty" yaml:"category_id,omitempty"`
}

func (c *CatalogRecord) Key() string { return c.AACID }

func (c *CatalogRecord) Values() []any {
	return []any{
		c.AACID, c.ZlibraryID, c.MD5Reported, c.Title, c.Author, c.Publisher,
		c.Language, c.Series, c.Volume, c.Edition, c.Year, c.Pages, c.Description,
		c.Extension, c.FilesizeReported, c.DateAdded, c.DateModified,
		c.CoverPath, c.ISBNs, c.CategoryID,
	}
}

// Fields returns scan destinations in Table.Columns order.
func (f *FileMapping) Fields() []any {
	return []any{&f.AACID, &f.ZlibraryID, &f.MD5, &f.DataFolder}
}

// Fields returns scan destinations in Table.Columns order.
func (c *CatalogRecord) Fields() []any {
	return []any{
		&c.AACID, &c.ZlibraryID, &c.MD5Reported, &c.Title, &c.Author, &c.Publisher,
		&c.Language, &c.Series, &c.Volume, &c.Edition, &c.Year, &c.Pages, &c.Description,
		&c.Extension, &c.FilesizeReported, &c.DateAdded, &c.DateModified,
		&c.CoverPath, &c.ISBNs, &c.CategoryID,
	}
}

// Interface compliance
var (
	_ Row = (*FileMapping)(nil)
	_ Row = (*CatalogRecord)(nil)
)
