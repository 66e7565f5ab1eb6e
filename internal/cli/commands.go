package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andreyvit/objdb"
)

// withEnv opens the storage for the duration of f.
func (opts *RootOptions) withEnv(cmd *cobra.Command, f func(ctx context.Context, env *objdb.Env) error) error {
	env, closeEnv, err := opts.openEnv()
	if err != nil {
		return err
	}
	defer closeEnv()
	return f(cmd.Context(), env)
}

func openExisting(ctx context.Context, env *objdb.Env, name string) (*objdb.DB, error) {
	db, err := env.OpenCurrent(ctx, name)
	if errors.Is(err, objdb.ErrNotFound) {
		return nil, WrapExitError(ExitCommandError, "no such database", err)
	}
	return db, err
}

// upgradeSchema bumps a database (creating it if needed) to the next
// version, running f as the upgrade.
func upgradeSchema(ctx context.Context, env *objdb.Env, name string, f objdb.UpgradeFunc) (*objdb.DB, error) {
	var cur uint64
	db, err := env.OpenCurrent(ctx, name)
	if err == nil {
		cur = db.Version()
	} else if !errors.Is(err, objdb.ErrNotFound) {
		return nil, err
	}
	return env.Open(ctx, name, cur+1, f)
}

type databaseInfo struct {
	Name    string   `json:"name" yaml:"name"`
	Version uint64   `json:"version" yaml:"version"`
	Stores  []string `json:"stores" yaml:"stores"`
}

func newDatabasesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "List databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				names, err := env.DatabaseNames(ctx)
				if err != nil {
					return err
				}
				infos := []databaseInfo{}
				for _, name := range names {
					db, err := env.OpenCurrent(ctx, name)
					if err != nil {
						return err
					}
					infos = append(infos, databaseInfo{Name: name, Version: db.Version(), Stores: db.ObjectStoreNames()})
				}
				return opts.formatter().Success(infos, func(w io.Writer) {
					for _, info := range infos {
						fmt.Fprintf(w, "%s\tv%d\t%d stores\n", info.Name, info.Version, len(info.Stores))
					}
				})
			})
		},
	}
}

type storeInfo struct {
	Name          string      `json:"name" yaml:"name"`
	KeyPath       string      `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	AutoIncrement bool        `json:"auto_increment,omitempty" yaml:"auto_increment,omitempty"`
	Indexes       []indexInfo `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

type indexInfo struct {
	Name    string `json:"name" yaml:"name"`
	KeyPath string `json:"key_path" yaml:"key_path"`
	Unique  bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
}

func describeStores(ctx context.Context, db *objdb.DB) ([]storeInfo, error) {
	names := db.ObjectStoreNames()
	infos := []storeInfo{}
	if len(names) == 0 {
		return infos, nil
	}
	err := db.View(ctx, names, func(tx *objdb.Tx) error {
		for _, name := range names {
			st, err := tx.ObjectStore(name)
			if err != nil {
				return err
			}
			info := storeInfo{Name: name, AutoIncrement: st.AutoIncrement()}
			if kp := st.KeyPath(); !kp.IsZero() {
				info.KeyPath = kp.String()
			}
			for _, in := range st.IndexNames() {
				ix, err := st.Index(in)
				if err != nil {
					return err
				}
				info.Indexes = append(info.Indexes, indexInfo{Name: in, KeyPath: ix.KeyPath().String(), Unique: ix.Unique()})
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

func newStoresCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stores <db>",
		Short: "List object stores and their indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				infos, err := describeStores(ctx, db)
				if err != nil {
					return err
				}
				return opts.formatter().Success(infos, func(w io.Writer) {
					for _, s := range infos {
						fmt.Fprintf(w, "%s", s.Name)
						if s.KeyPath != "" {
							fmt.Fprintf(w, "\tkey=%s", s.KeyPath)
						}
						if s.AutoIncrement {
							fmt.Fprint(w, "\tautoincrement")
						}
						fmt.Fprintln(w)
						for _, ix := range s.Indexes {
							u := ""
							if ix.Unique {
								u = " unique"
							}
							fmt.Fprintf(w, "  index %s on %s%s\n", ix.Name, ix.KeyPath, u)
						}
					}
				})
			})
		},
	}
}

func newCreateStoreCommand(opts *RootOptions) *cobra.Command {
	var keyPath string
	var autoIncrement bool
	cmd := &cobra.Command{
		Use:   "create-store <db> <store>",
		Short: "Create an object store, bumping the database version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := upgradeSchema(ctx, env, args[0], func(u *objdb.Upgrade) error {
					_, err := u.CreateObjectStore(args[1], objdb.StoreOptions{
						KeyPath:       parseKeyPath(keyPath),
						AutoIncrement: autoIncrement,
					})
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(databaseInfo{Name: db.Name(), Version: db.Version(), Stores: db.ObjectStoreNames()}, func(w io.Writer) {
					fmt.Fprintf(w, "created %s.%s (version %d)\n", db.Name(), args[1], db.Version())
				})
			})
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key-path", "k", "", "key path (comma-separated for a compound key)")
	cmd.Flags().BoolVar(&autoIncrement, "auto-increment", false, "generate keys for records without one")
	return cmd
}

func newCreateIndexCommand(opts *RootOptions) *cobra.Command {
	var keyPath string
	var unique bool
	cmd := &cobra.Command{
		Use:   "create-index <db> <store> <index>",
		Short: "Create an index over existing records, bumping the database version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				return NewExitError(ExitCommandError, "--key-path is required")
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				if _, err := openExisting(ctx, env, args[0]); err != nil {
					return err
				}
				db, err := upgradeSchema(ctx, env, args[0], func(u *objdb.Upgrade) error {
					st, err := u.ObjectStore(args[1])
					if err != nil {
						return err
					}
					_, err = st.CreateIndex(args[2], parseKeyPath(keyPath), objdb.IndexOptions{Unique: unique})
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(indexInfo{Name: args[2], KeyPath: keyPath, Unique: unique}, func(w io.Writer) {
					fmt.Fprintf(w, "created index %s on %s.%s (version %d)\n", args[2], db.Name(), args[1], db.Version())
				})
			})
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key-path", "k", "", "key path (comma-separated for a compound key)")
	cmd.Flags().BoolVar(&unique, "unique", false, "reject records sharing an index key")
	return cmd
}

type recordOut struct {
	Key        any `json:"key" yaml:"key"`
	PrimaryKey any `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Value      any `json:"value,omitempty" yaml:"value,omitempty"`
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	var index string
	cmd := &cobra.Command{
		Use:   "get <db> <store> <key>",
		Short: "Print a record by key (JSON or plain string)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[2])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				var rec any
				err = db.View(ctx, []string{args[1]}, func(tx *objdb.Tx) error {
					st, err := tx.ObjectStore(args[1])
					if err != nil {
						return err
					}
					if index == "" {
						rec, err = st.Get(key).Result()
						return err
					}
					ix, err := st.Index(index)
					if err != nil {
						return err
					}
					rec, err = ix.Get(key).Result()
					return err
				})
				if err != nil {
					return err
				}
				if rec == nil {
					return NewExitError(ExitFailure, fmt.Sprintf("%v: not found", key))
				}
				return opts.formatter().Success(rec, func(w io.Writer) {
					fmt.Fprintln(w, renderJSON(rec))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "", "look the key up in this index")
	return cmd
}

func newPutCommand(opts *RootOptions) *cobra.Command {
	var keyArg string
	var add bool
	cmd := &cobra.Command{
		Use:   "put <db> <store> <json>",
		Short: "Insert or replace a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseJSON(args[2])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			var key any
			if keyArg != "" {
				if key, err = parseKey(keyArg); err != nil {
					return NewExitError(ExitCommandError, err.Error())
				}
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				var resultKey any
				err = db.Update(ctx, []string{args[1]}, func(tx *objdb.Tx) error {
					st, err := tx.ObjectStore(args[1])
					if err != nil {
						return err
					}
					var req *objdb.Request[any]
					switch {
					case add && key != nil:
						req = st.AddWithKey(key, value)
					case add:
						req = st.Add(value)
					case key != nil:
						req = st.PutWithKey(key, value)
					default:
						req = st.Put(value)
					}
					resultKey, err = req.Result()
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(recordOut{Key: resultKey}, func(w io.Writer) {
					fmt.Fprintln(w, renderJSON(resultKey))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&keyArg, "key", "k", "", "explicit key for stores without a key path")
	cmd.Flags().BoolVar(&add, "add", false, "fail if the key already exists")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <db> <store> <key>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[2])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				var deleted bool
				err = db.Update(ctx, []string{args[1]}, func(tx *objdb.Tx) error {
					st, err := tx.ObjectStore(args[1])
					if err != nil {
						return err
					}
					deleted, err = st.Delete(key).Result()
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(map[string]bool{"deleted": deleted}, func(w io.Writer) {
					if deleted {
						fmt.Fprintln(w, "deleted")
					} else {
						fmt.Fprintln(w, "not found")
					}
				})
			})
		},
	}
}

type scanOptions struct {
	index    string
	lower    string
	upper    string
	limit    int
	reverse  bool
	unique   bool
	keysOnly bool
}

func (so *scanOptions) keyRange() (*objdb.KeyRange, error) {
	if so.lower == "" && so.upper == "" {
		return nil, nil
	}
	var lower, upper any
	var err error
	if so.lower != "" {
		if lower, err = parseKey(so.lower); err != nil {
			return nil, err
		}
	}
	if so.upper != "" {
		if upper, err = parseKey(so.upper); err != nil {
			return nil, err
		}
	}
	return objdb.Bound(lower, upper, false, false), nil
}

func (so *scanOptions) direction() objdb.Direction {
	switch {
	case so.reverse && so.unique:
		return objdb.PrevUnique
	case so.reverse:
		return objdb.Prev
	case so.unique:
		return objdb.NextUnique
	default:
		return objdb.Next
	}
}

func newScanCommand(opts *RootOptions) *cobra.Command {
	so := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan <db> <store>",
		Short: "Iterate over records in key or index order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := so.keyRange()
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				records := []recordOut{}
				err = db.View(ctx, []string{args[1]}, func(tx *objdb.Tx) error {
					records, err = scanRecords(tx, args[1], so, rng)
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(records, func(w io.Writer) {
					for _, r := range records {
						switch {
						case so.index != "" && so.keysOnly:
							fmt.Fprintf(w, "%s\t%s\n", renderJSON(r.Key), renderJSON(r.PrimaryKey))
						case so.index != "":
							fmt.Fprintf(w, "%s\t%s\t%s\n", renderJSON(r.Key), renderJSON(r.PrimaryKey), renderJSON(r.Value))
						case so.keysOnly:
							fmt.Fprintln(w, renderJSON(r.Key))
						default:
							fmt.Fprintf(w, "%s\t%s\n", renderJSON(r.Key), renderJSON(r.Value))
						}
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&so.index, "index", "i", "", "iterate over this index")
	cmd.Flags().StringVar(&so.lower, "from", "", "lower bound key (inclusive)")
	cmd.Flags().StringVar(&so.upper, "to", "", "upper bound key (inclusive)")
	cmd.Flags().IntVarP(&so.limit, "limit", "n", 0, "stop after this many records (0 = all)")
	cmd.Flags().BoolVarP(&so.reverse, "reverse", "r", false, "iterate in descending order")
	cmd.Flags().BoolVar(&so.unique, "unique", false, "skip duplicate index keys")
	cmd.Flags().BoolVar(&so.keysOnly, "keys-only", false, "do not load record values")
	return cmd
}

func scanRecords(tx *objdb.Tx, store string, so *scanOptions, rng *objdb.KeyRange) ([]recordOut, error) {
	st, err := tx.ObjectStore(store)
	if err != nil {
		return nil, err
	}
	var req *objdb.Request[*objdb.Cursor]
	if so.index != "" {
		ix, err := st.Index(so.index)
		if err != nil {
			return nil, err
		}
		if so.keysOnly {
			req = ix.OpenKeyCursor(rng, so.direction())
		} else {
			req = ix.OpenCursor(rng, so.direction())
		}
	} else if so.keysOnly {
		req = st.OpenKeyCursor(rng, so.direction())
	} else {
		req = st.OpenCursor(rng, so.direction())
	}
	c, err := req.Result()
	if err != nil {
		return nil, err
	}

	records := []recordOut{}
	for c != nil && (so.limit <= 0 || len(records) < so.limit) {
		var r recordOut
		if r.Key, err = c.Key(); err != nil {
			return nil, err
		}
		if so.index != "" {
			if r.PrimaryKey, err = c.PrimaryKey(); err != nil {
				return nil, err
			}
		}
		if !so.keysOnly {
			if r.Value, err = c.Value(); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
		if c, err = c.Continue().Result(); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type statsOut struct {
	Store        string `json:"store" yaml:"store"`
	Records      int    `json:"records" yaml:"records"`
	IndexEntries int    `json:"index_entries" yaml:"index_entries"`
	DataSize     int64  `json:"data_size" yaml:"data_size"`
	IndexSize    int64  `json:"index_size" yaml:"index_size"`
	TotalAlloc   int64  `json:"total_alloc" yaml:"total_alloc"`
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <db> [store...]",
		Short: "Show record counts and storage usage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				stores := args[1:]
				if len(stores) == 0 {
					stores = db.ObjectStoreNames()
				}
				out := []statsOut{}
				if len(stores) > 0 {
					err = db.View(ctx, stores, func(tx *objdb.Tx) error {
						for _, name := range stores {
							s, err := tx.StoreStats(name).Result()
							if err != nil {
								return err
							}
							out = append(out, statsOut{
								Store:        name,
								Records:      s.Records,
								IndexEntries: s.IndexEntries,
								DataSize:     s.DataSize,
								IndexSize:    s.IndexSize,
								TotalAlloc:   s.TotalAlloc(),
							})
						}
						return nil
					})
					if err != nil {
						return err
					}
				}
				slices.SortFunc(out, func(a, b statsOut) int {
					return cmp.Compare(a.Store, b.Store)
				})
				return opts.formatter().Success(out, func(w io.Writer) {
					for _, s := range out {
						fmt.Fprintf(w, "%s\t%s records\t%s index entries\tdata %s\tindex %s\talloc %s\n",
							s.Store, humanize.Comma(int64(s.Records)), humanize.Comma(int64(s.IndexEntries)),
							humanize.IBytes(uint64(s.DataSize)), humanize.IBytes(uint64(s.IndexSize)), humanize.IBytes(uint64(s.TotalAlloc)))
					}
				})
			})
		},
	}
}

func newDumpCommand(opts *RootOptions) *cobra.Command {
	var noIndexes bool
	cmd := &cobra.Command{
		Use:   "dump <db>",
		Short: "Print every record and index entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				db, err := openExisting(ctx, env, args[0])
				if err != nil {
					return err
				}
				stores := db.ObjectStoreNames()
				if len(stores) == 0 {
					return opts.formatter().Success("", func(w io.Writer) {})
				}
				flags := objdb.DumpAll
				if noIndexes {
					flags = objdb.DumpStoreHeaders | objdb.DumpRecords | objdb.DumpStats
				}
				var text string
				err = db.View(ctx, stores, func(tx *objdb.Tx) error {
					text, err = tx.Dump(flags).Result()
					return err
				})
				if err != nil {
					return err
				}
				return opts.formatter().Success(text, func(w io.Writer) {
					fmt.Fprint(w, text)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&noIndexes, "no-indexes", false, "omit index entries")
	return cmd
}

func newDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <db>",
		Short: "Delete a database with all of its stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *objdb.Env) error {
				if err := env.DeleteDatabase(ctx, args[0]); err != nil {
					if errors.Is(err, objdb.ErrNotFound) {
						return WrapExitError(ExitCommandError, "no such database", err)
					}
					return err
				}
				return opts.formatter().Success(map[string]string{"dropped": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "dropped %s\n", args[0])
				})
			})
		},
	}
}

func newVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the objdb version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.formatter().Success(map[string]string{"version": Version}, func(w io.Writer) {
				fmt.Fprintln(w, Version)
			})
		},
	}
}
