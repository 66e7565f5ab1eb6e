/*
Package objdb implements an embedded object database on top of a key-value
store (bbolt on disk, or an in-memory store for tests).

An Env holds any number of named, versioned databases. Each database has:

1. Object stores, collections of schemaless records keyed by a primary key
that is either given explicitly, taken from the record via a key path, or
generated by the store's key generator.

2. Indexes, secondary orderings of a store's records by a value extracted
with a key path, optionally enforcing uniqueness.

The schema only changes inside an upgrade transaction, which runs when a
database is opened at a higher version than the stored one.

Transactions declare their scope (a set of stores) and mode up front.
Read-write transactions with overlapping scopes run one after another in
the order they were requested; read-only transactions never wait for
writers. Every operation returns a Request that settles on the
transaction's own goroutine, and the first failing operation aborts the
whole transaction.

# Technical Details

**Buckets.**
Metadata lives in the "\x00meta" root bucket, one entry per database
holding its version and store definitions. Each store gets a root bucket
named "<db>\x00<store>" with a "data" sub-bucket for records, an "i_<index>"
sub-bucket per index, and a "_seq" key holding the key generator.

**Index ordinal.**
Each index of a store gets a positive ordinal. Ordinals are never reused,
even after the index is deleted, so stale index records can be told apart.

## Binary encoding

**Keys** are encoded so that bytewise order equals key order: a type tag
(number < date < string < binary < array), then a sortable payload.
Numbers are big-endian IEEE doubles with the sign bit flipped (all bits
flipped for negatives). Strings and binaries escape 0x00 as 0x00 0xFF and
end with 0x00 0x01. Arrays are a sequence of encoded keys ended by 0x00.

**Value**: value header, then msgpack record data, then index key records.

**Value header**:
1. Flags (uvarint).
2. Data size (uvarint).
3. Index size (uvarint).

**Index key records** list the index keys this record contributed, so that
updates and deletes remove exactly those entries even if the index
definitions have changed since. Format:
1. Number of entries (uvarint).
2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.

**Index entries.** A unique index maps the field key to the primary key.
A non-unique index stores the field key followed by the primary key, with
an empty value.
*/
package objdb
