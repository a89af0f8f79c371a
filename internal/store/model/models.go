package model

import "gorm.io/datatypes"

type InstrumentModel struct {
	Key           string `gorm:"column:key;primaryKey"`
	Symbol        string `gorm:"column:symbol"`
	Exchange      string `gorm:"column:exchange"`
	Segment       string `gorm:"column:segment"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (InstrumentModel) TableName() string { return "instruments" }

type ExpiryModel struct {
	InstrumentKey    string `gorm:"column:instrument_key;primaryKey"`
	Date             string `gorm:"column:date;primaryKey"` // YYYY-MM-DD
	ContractsFetched bool   `gorm:"column:contracts_fetched"`
}

func (ExpiryModel) TableName() string { return "expiries" }

type ContractModel struct {
	ExpiredKey    string  `gorm:"column:expired_key;primaryKey"`
	InstrumentKey string  `gorm:"column:instrument_key;index"`
	Symbol        string  `gorm:"column:symbol"`
	ExpiryDate    string  `gorm:"column:expiry_date;index"` // YYYY-MM-DD
	Kind          string  `gorm:"column:kind"`
	Strike        float64 `gorm:"column:strike"`
	DataFetched   bool    `gorm:"column:data_fetched;index"`
	NoData        bool    `gorm:"column:no_data"`
	FetchAttempts int     `gorm:"column:fetch_attempts"`
}

func (ContractModel) TableName() string { return "contracts" }

type CandleModel struct {
	ContractKey  string  `gorm:"column:contract_key;primaryKey"`
	Timestamp    int64   `gorm:"column:ts;primaryKey"` // unix seconds
	Open         float64 `gorm:"column:open"`
	High         float64 `gorm:"column:high"`
	Low          float64 `gorm:"column:low"`
	Close        float64 `gorm:"column:close"`
	Volume       int64   `gorm:"column:volume"`
	OpenInterest int64   `gorm:"column:oi"`
}

func (CandleModel) TableName() string { return "candles" }

type SchemaVersionModel struct {
	Ordinal       int    `gorm:"column:ordinal;primaryKey"`
	Name          string `gorm:"column:name"`
	AppliedAtUnix int64  `gorm:"column:applied_at"`
}

func (SchemaVersionModel) TableName() string { return "schema_version" }

type CollectionTaskModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Status        string         `gorm:"column:status"`
	ProgressJSON  datatypes.JSON `gorm:"column:progress_json;type:TEXT"`
	Expiries      int64          `gorm:"column:expiries"`
	Contracts     int64          `gorm:"column:contracts"`
	Candles       int64          `gorm:"column:candles"`
	Errors        int64          `gorm:"column:errors"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (CollectionTaskModel) TableName() string { return "collection_tasks" }
