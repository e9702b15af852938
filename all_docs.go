package touchview

import (
	"slices"
)

// Lists the live documents in ID order, as rows {id, key: id, value: {"rev": revID}}.
// StartKey and EndKey, if given, must be document IDs; IDs collate bytewise. If opts.Keys is
// non-nil this is the same as DocsWithIDs.
func (db *Database) AllDocs(opts *QueryOptions) (*QueryResult, error) {
	if opts == nil {
		opts = DefaultQueryOptions()
	}
	if opts.Keys != nil {
		ids := make([]string, 0, len(opts.Keys))
		for _, key := range opts.Keys {
			id, ok := key.(string)
			if !ok {
				return nil, badRequest("document IDs must be strings, not %v", key)
			}
			ids = append(ids, id)
		}
		return db.DocsWithIDs(ids, opts)
	}
	if err := checkAllDocsOptions(opts); err != nil {
		return nil, err
	}
	for _, bound := range []interface{}{opts.StartKey, opts.EndKey} {
		if _, ok := bound.(string); bound != nil && !ok {
			return nil, badRequest("document ID bounds must be strings, not %v", bound)
		}
	}

	if err := db.acquire(); err != nil {
		return nil, err
	}
	defer db.release()
	refs, err := db.docs.AllDocuments(opts.keyRange())
	if err != nil {
		return nil, internalError(err, "can't list documents")
	}
	return db.docRows(refs, opts)
}

// Returns rows for the documents with the given IDs that exist, in ID order.
func (db *Database) DocsWithIDs(ids []string, opts *QueryOptions) (*QueryResult, error) {
	if opts == nil {
		opts = DefaultQueryOptions()
	}
	if err := checkAllDocsOptions(opts); err != nil {
		return nil, err
	}
	if err := db.acquire(); err != nil {
		return nil, err
	}
	defer db.release()
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if opts.Descending {
		slices.Reverse(ids)
	}

	refs := make([]DocRef, 0, len(ids))
	if getter, ok := db.docs.(DocumentGetter); ok {
		for _, id := range ids {
			rev, err := getter.GetDocument(id)
			if ErrorStatus(err) == StatusNotFound {
				continue
			} else if err != nil {
				return nil, internalError(err, "can't read doc %q", id)
			}
			refs = append(refs, DocRef{DocID: rev.DocID, RevID: rev.RevID})
		}
	} else if len(ids) > 0 {
		all, err := db.docs.AllDocuments(KeyRange{InclusiveEnd: true, Descending: opts.Descending})
		if err != nil {
			return nil, internalError(err, "can't list documents")
		}
		wanted := make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		for _, ref := range all {
			if wanted[ref.DocID] {
				refs = append(refs, ref)
			}
		}
	}
	return db.docRows(refs, opts)
}

func checkAllDocsOptions(opts *QueryOptions) error {
	if opts.Skip < 0 || opts.Limit < 0 {
		return badRequest("skip and limit must not be negative")
	}
	if opts.Reduce == ReduceTrue || opts.Group || opts.GroupLevel > 0 {
		return badRequest("all-docs queries can't be reduced")
	}
	return nil
}

func (db *Database) docRows(refs []DocRef, opts *QueryOptions) (*QueryResult, error) {
	var getter DocumentGetter
	if opts.IncludeDocs {
		var ok bool
		if getter, ok = db.docs.(DocumentGetter); !ok {
			return nil, badRequest("document store can't fetch documents for include_docs")
		}
	}
	result := &QueryResult{TotalRows: len(refs), Offset: opts.Skip}
	refs = paginate(refs, opts.Skip, opts.Limit)
	result.Rows = make([]QueryRow, 0, len(refs))
	for _, ref := range refs {
		row := QueryRow{ID: ref.DocID, Key: ref.DocID, Value: map[string]interface{}{"rev": ref.RevID}}
		if getter != nil {
			var err error
			if row.Doc, err = fetchDoc(getter, ref.DocID); err != nil {
				return nil, err
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}
