package sqlite

// schema mirrors db/migrations/0001_init.sql in SQLite's dialect.
const schema = `
create table if not exists entities (
    id     integer primary key autoincrement,
    name   text not null,
    tag    text not null,
    active integer not null default 1
);

create index if not exists entities_tag_idx on entities (tag);

create table if not exists operations (
    id          text primary key,
    date        text not null,
    observation text not null default ''
);

create table if not exists transactions (
    id           text primary key,
    operation_id text not null references operations (id),
    amount       text not null,
    currency     text not null,
    from_entity  integer not null references entities (id),
    to_entity    integer not null references entities (id),
    operator_id  integer not null default 0,
    type         text not null default '',
    status       text not null check (status in ('pending', 'confirmed', 'cancelled')),
    check (from_entity <> to_entity)
);

create index if not exists transactions_operation_idx on transactions (operation_id);

create table if not exists balances (
    id       integer primary key autoincrement,
    type     integer not null check (type between 1 and 4),
    ent_a    integer not null default 0,
    ent_b    integer not null default 0,
    tag      text not null default '',
    currency text not null,
    account  text not null check (account in ('cash', 'current_account')),
    date     text not null,
    amount   text not null,
    unique (type, ent_a, ent_b, tag, currency, account, date)
);

create table if not exists movements (
    id             integer primary key autoincrement,
    transaction_id text not null,
    date           text not null,
    direction      integer not null check (direction in (-1, 1)),
    type           text not null,
    account        text not null,
    currency       text not null,
    balance_1      text not null,
    balance_1_id   integer not null references balances (id),
    balance_2a     text not null,
    balance_2a_id  integer not null references balances (id),
    balance_2b     text not null,
    balance_2b_id  integer not null references balances (id),
    balance_3a     text not null,
    balance_3a_id  integer not null references balances (id),
    balance_3b     text not null,
    balance_3b_id  integer not null references balances (id),
    balance_4a     text not null,
    balance_4a_id  integer not null references balances (id),
    balance_4b     text not null,
    balance_4b_id  integer not null references balances (id)
);

create index if not exists movements_tx_idx on movements (transaction_id, account, type);
create index if not exists movements_order_idx on movements (date, id);
create index if not exists movements_b1_idx on movements (balance_1_id, date, id);
create index if not exists movements_b2a_idx on movements (balance_2a_id, date, id);
create index if not exists movements_b2b_idx on movements (balance_2b_id, date, id);
create index if not exists movements_b3a_idx on movements (balance_3a_id, date, id);
create index if not exists movements_b3b_idx on movements (balance_3b_id, date, id);
create index if not exists movements_b4a_idx on movements (balance_4a_id, date, id);
create index if not exists movements_b4b_idx on movements (balance_4b_id, date, id);
`
