package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decode reads a snapshot into T, wrapping decode failures with the operation name.
func Decode[T any](op string, snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	if snap == nil || !snap.Exists() {
		return target, NotFound(op, "document does not exist")
	}
	if err := snap.DataTo(&target); err != nil {
		return target, fmt.Errorf("firestore %s: decode %s: %w", op, snap.Ref.ID, err)
	}
	return target, nil
}

// Get fetches ref and decodes it into T.
func Get[T any](ctx context.Context, op string, ref *firestore.DocumentRef) (T, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		var zero T
		return zero, WrapError(op, err)
	}
	return Decode[T](op, snap)
}

// GetTx fetches ref through tx and decodes it into T.
func GetTx[T any](tx *firestore.Transaction, op string, ref *firestore.DocumentRef) (T, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		var zero T
		return zero, WrapError(op, err)
	}
	return Decode[T](op, snap)
}

// Exists reports whether ref is present, reading through tx when one is supplied.
func Exists(ctx context.Context, tx *firestore.Transaction, ref *firestore.DocumentRef) (bool, error) {
	var (
		snap *firestore.DocumentSnapshot
		err  error
	)
	if tx != nil {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		if snap != nil && !snap.Exists() {
			return false, nil
		}
		var repoErr *Error
		if wrapped := WrapError("exists", err); errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return false, nil
		}
		return false, WrapError("exists", err)
	}
	return snap.Exists(), nil
}

// All drains iter and decodes each document into T.
func All[T any](op string, iter *firestore.DocumentIterator) ([]T, error) {
	defer iter.Stop()
	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		item, err := Decode[T](op, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
}
