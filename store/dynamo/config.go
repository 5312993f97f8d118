package dynamo

// maxTransactItems is DynamoDB's hard limit on actions per TransactWriteItems call.
const maxTransactItems = 100

// Config holds configuration for the Store.
type Config struct {
	// Table is the name of the single tree table (pk/sk string keys).
	// Default: "treeorder_items"
	Table string

	// MaxTransactItems caps the number of write actions in one commit.
	// A renumbering that needs more fails with store.ErrScopeTooLarge.
	// Default: 100
	// Max: 100
	//
	// Every commit spends one action per touched scope header, one per written
	// item row, and one per locator change. Moving an item to the front of a
	// scope of N siblings therefore costs N+1 actions.
	MaxTransactItems int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:            "treeorder_items",
		MaxTransactItems: maxTransactItems,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "treeorder_items"
	}
	if c.MaxTransactItems < 1 || c.MaxTransactItems > maxTransactItems {
		c.MaxTransactItems = maxTransactItems
	}
}
