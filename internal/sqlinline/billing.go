package sqlinline

const QInsertBillingEvent = `--sql 3df7c511-9ea6-4556-91a8-a2523c650af4
insert into billing_events(event_id, type, account_id, processed_at)
values ($1::text, $2::text, $3::text, now())
on conflict (event_id) do nothing;
`

const QEnsureBillingAccount = `--sql bfee80cf-2024-4ad2-8f8c-de44590374f1
insert into accounts(id, plan, balance, monthly_allowance, created_at, updated_at)
values ($1::text, 'free', 0, 0, now(), now())
on conflict (id) do nothing;
`

const QUpdateAccountPlan = `--sql db1dee24-747f-4b83-bd7d-6461a299d099
update accounts
set plan = $2::text,
    monthly_allowance = $3::bigint,
    next_reset_at = $4::timestamptz,
    updated_at = now()
where id = $1::text;
`
